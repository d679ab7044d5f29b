package reporting

import (
	"encoding/json"
	"io"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// JSONRenderer writes the report as a single JSON document.
type JSONRenderer struct {
	Indent string
}

func (j *JSONRenderer) Extension() string { return "json" }

func (j *JSONRenderer) Render(w io.Writer, report *schemas.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", j.Indent)
	return enc.Encode(report)
}
