package eval

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numberStyle = cellStyle.Align(lipgloss.Right)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
)

// Table renders the per-class scores like a classification report.
func (r *Report) Table() string {
	row := func(s ClassScore) []string {
		return []string{s.Class, f2(s.Precision), f2(s.Recall), f2(s.F1), strconv.Itoa(s.Support)}
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("class", "precision", "recall", "f1-score", "support").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 0:
				return cellStyle
			default:
				return numberStyle
			}
		})
	for _, s := range r.Classes {
		t.Row(row(s)...)
	}
	t.Row("accuracy", "", "", f2(r.Accuracy), strconv.Itoa(r.Support))
	t.Row(row(r.Macro)...)
	t.Row(row(r.Weighted)...)
	return t.String()
}

// ConfusionTable renders the confusion matrix with true classes as rows.
func (r *Report) ConfusionTable() string {
	headers := []string{"true \\ pred"}
	for i := range r.Classes {
		headers = append(headers, strconv.Itoa(i))
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return cellStyle
			}
			return numberStyle
		})
	for i, counts := range r.Confusion {
		cells := []string{fmt.Sprintf("%d %s", i, r.Classes[i].Class)}
		for _, n := range counts {
			cells = append(cells, strconv.Itoa(n))
		}
		t.Row(cells...)
	}
	return t.String()
}

// Summary is a one-line loss and accuracy summary.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Test accuracy: %.4f, Test loss: %.4f", r.Accuracy, r.Loss)
	return b.String()
}

func f2(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
