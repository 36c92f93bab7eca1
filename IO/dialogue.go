package IO

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zqkzzz/dialogue-summarization/summarization"
)

const (
	technicianPrefix = "技师说："
	carOwnerPrefix   = "车主说："
	turnSeparator    = "|"
)

// Utterance is one speaker turn with its speaker prefix removed.
type Utterance struct {
	Type int
	Text string
}

// Example is a dialogue and, when training, its reference summary.
type Example struct {
	ID         string
	Utterances []Utterance
	Summary    string
}

// ParseDialogue splits an AutoMaster dialogue field into turns. Turns are
// separated by "|" and start with a speaker prefix; unprefixed turns are
// typed as other. Blank turns are dropped.
func ParseDialogue(raw string) []Utterance {
	var out []Utterance
	for _, turn := range strings.Split(raw, turnSeparator) {
		turn = strings.TrimSpace(turn)
		u := Utterance{Type: summarization.TypeOther, Text: turn}
		switch {
		case strings.HasPrefix(turn, technicianPrefix):
			u = Utterance{Type: summarization.TypeTechnician, Text: strings.TrimPrefix(turn, technicianPrefix)}
		case strings.HasPrefix(turn, carOwnerPrefix):
			u = Utterance{Type: summarization.TypeCarOwner, Text: strings.TrimPrefix(turn, carOwnerPrefix)}
		}
		u.Text = strings.TrimSpace(u.Text)
		if u.Text == "" {
			continue
		}
		out = append(out, u)
	}
	return out
}

// ReadExamples reads an AutoMaster CSV (QID, Brand, Model, Question,
// Dialogue and optionally Report). The question opens the dialogue as a
// car owner turn. Rows without any utterance are skipped.
func ReadExamples(r io.Reader) ([]Example, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	if _, ok := col["Dialogue"]; !ok {
		return nil, errors.New("csv has no Dialogue column")
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []Example
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ex := Example{ID: field(row, "QID"), Summary: field(row, "Report")}
		if q := field(row, "Question"); q != "" {
			ex.Utterances = append(ex.Utterances, Utterance{Type: summarization.TypeCarOwner, Text: q})
		}
		ex.Utterances = append(ex.Utterances, ParseDialogue(field(row, "Dialogue"))...)
		if len(ex.Utterances) == 0 {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

func ReadExamplesFile(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadExamples(f)
}
