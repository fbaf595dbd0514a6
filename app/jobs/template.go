package jobs

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/umputun/soloq/app/engine"
)

// templateData is available in command templates, like "export.sh --day={{.YYYYMMDD}} --id={{.JobID}}"
type templateData struct {
	JobID    string
	Endpoint string

	YYYYMMDD string
	YYYYMM   string
	YYYY     string
	ISODATE  string
	UNIX     int64
	UNIXMSEC int64
}

// expandCommand renders command template for the job started at ts in tz location.
// Commands without template markers returned as is.
func expandCommand(command string, ec engine.ExecContext, ts time.Time, tz *time.Location) (string, error) {
	if !strings.Contains(command, "{{") {
		return command, nil
	}
	if tz == nil {
		tz = time.Local
	}
	tl := ts.In(tz)
	midnight := time.Date(tl.Year(), tl.Month(), tl.Day(), 0, 0, 0, 0, tz)
	data := templateData{
		JobID:    ec.JobID,
		Endpoint: ec.EndpointName,
		YYYYMMDD: midnight.Format("20060102"),
		YYYYMM:   midnight.Format("200601"),
		YYYY:     midnight.Format("2006"),
		ISODATE:  midnight.Format("2006-01-02T00:00:00.000Z"),
		UNIX:     ts.Unix(),
		UNIXMSEC: ts.UnixMilli(),
	}

	tmpl, err := template.New("cmd").Option("missingkey=error").Parse(command)
	if err != nil {
		return "", fmt.Errorf("can't parse command template %q: %w", command, err)
	}
	buf := bytes.Buffer{}
	if err = tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("can't expand command template %q: %w", command, err)
	}
	return buf.String(), nil
}
