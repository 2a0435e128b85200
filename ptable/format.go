package ptable

import (
	"fmt"
	"io"
)

// Format writes a fixed-width rendering of the table.
func (t *Table) Format(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%6s%6s%15s%12s%12s%12s  %4s  %s\n",
		"Number", "*PEXL", "Type", "SStart", "SEnd", "Size", "Id", "Label"); err != nil {
		return err
	}
	for _, e := range t.entries {
		label := e.Label
		if label == "" {
			label = "-"
		}
		if _, err := fmt.Fprintf(w, "%6s%6c%15s%12d%12d%12d  0X%02X  %s\n",
			e.NumberString(), e.Role, e.Type, e.Start, e.End, e.Size, e.ID, label); err != nil {
			return err
		}
	}
	return nil
}
