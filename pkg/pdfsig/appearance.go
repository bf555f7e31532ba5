package pdfsig

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// appearanceStream renders the visible signature as a form XObject.
func appearanceStream(config *SignConfig, w, h float64, signingTime time.Time) *Stream {
	labels := config.Appearance.Labels
	if labels.Reason == "" {
		labels.Reason = "Reason: "
	}
	if labels.Location == "" {
		labels.Location = "Location: "
	}
	if labels.Date == "" {
		labels.Date = "Date: "
	}

	var lines []string
	if config.SignerName != "" {
		lines = append(lines, "Digitally signed by "+config.SignerName)
	}
	if config.Reason != "" {
		lines = append(lines, labels.Reason+config.Reason)
	}
	if config.Location != "" {
		lines = append(lines, labels.Location+config.Location)
	}
	if config.Appearance.ShowDate {
		lines = append(lines, labels.Date+signingTime.Format("2006-01-02 15:04:05 -07:00"))
	}

	var content bytes.Buffer
	if !config.Appearance.Transparent {
		fmt.Fprintf(&content, "q 0.95 g 0 0 %s %s re f Q\n", num(w), num(h))
	}
	fmt.Fprintf(&content, "q 0.5 G 0.5 w 0.25 0.25 %s %s re S Q\n", num(w-0.5), num(h-0.5))
	if len(lines) > 0 {
		size := min(10, h/(float64(len(lines))*1.4+0.6))
		leading := size * 1.3
		y := h - size*1.3
		content.WriteString("BT\n")
		fmt.Fprintf(&content, "/F1 %s Tf 0 g\n", num(size))
		for _, line := range lines {
			fmt.Fprintf(&content, "1 0 0 1 4 %s Tm ", num(y))
			writeLiteral(&content, winAnsi(line))
			content.WriteString(" Tj\n")
			y -= leading
		}
		content.WriteString("ET\n")
	}

	return &Stream{
		Dict: Dict{
			"Type":    Name("XObject"),
			"Subtype": Name("Form"),
			"BBox":    Array{0.0, 0.0, w, h},
			"Resources": Dict{
				"Font": Dict{
					"F1": Dict{
						"Type":     Name("Font"),
						"Subtype":  Name("Type1"),
						"BaseFont": Name("Helvetica"),
						"Encoding": Name("WinAnsiEncoding"),
					},
				},
			},
		},
		Data: content.Bytes(),
	}
}

// winAnsi maps s to single bytes; runes outside Latin-1 become '?'.
func winAnsi(s string) String {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return String(out)
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
