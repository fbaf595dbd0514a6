package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/soloq/app/engine"
)

func TestExpandCommand(t *testing.T) {
	ts := time.Date(2026, 10, 15, 23, 30, 0, 0, time.UTC)
	ec := engine.ExecContext{JobID: "job-1", EndpointName: "export"}

	tbl := []struct {
		command string
		tz      *time.Location
		res     string
		err     string
	}{
		{command: "ls -la", res: "ls -la"},
		{command: "export.sh --day={{.YYYYMMDD}} --id={{.JobID}} --ep={{.Endpoint}}", tz: time.UTC,
			res: "export.sh --day=20261015 --id=job-1 --ep=export"},
		{command: "echo {{.YYYY}} {{.YYYYMM}} {{.ISODATE}}", tz: time.UTC, res: "echo 2026 202610 2026-10-15T00:00:00.000Z"},
		{command: "echo {{.UNIX}} {{.UNIXMSEC}}", tz: time.UTC, res: "echo 1792107000 1792107000000"},
		{command: "echo {{.YYYYMMDD}}", tz: time.FixedZone("east", 3*3600), res: "echo 20261016"},
		{command: "echo {{.Blah}}", err: `can't expand command template "echo {{.Blah}}"`},
		{command: "echo {{.JobID", err: `can't parse command template "echo {{.JobID"`},
	}

	for _, tt := range tbl {
		t.Run(tt.command, func(t *testing.T) {
			res, err := expandCommand(tt.command, ec, ts, tt.tz)
			if tt.err != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.res, res)
		})
	}
}

func TestCommand_Template(t *testing.T) {
	out := &syncBuffer{}
	c := &Command{Command: "echo id={{.JobID}}", Stdout: out}
	require.NoError(t, c.Run(context.Background(), engine.ExecContext{JobID: "abc", EndpointName: "ep"}))
	assert.Equal(t, "id=abc\n", out.String())
}
