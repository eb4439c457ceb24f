// internal/web/handlers_processes_test.go
package web

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProcesses(t *testing.T) {
	output := `USER         PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND
root           1  0.0  0.1 167744 11904 ?        Ss   Jan01   1:23 /sbin/init splash
postgres    4211  2.5  4.2 884216 341120 ?       Ssl  10:02  14:07 postgres: checkpointer
www-data    8842  0.3  0.8 211456 65024 ?        S    11:30   0:42 nginx: worker process
`

	procs := parseProcesses(output)
	require.Len(t, procs, 3)

	assert.Equal(t, "root", procs[0].User)
	assert.Equal(t, "1", procs[0].PID)
	assert.Equal(t, "/sbin/init splash", procs[0].Command, "arguments with spaces must survive")

	assert.Equal(t, "postgres: checkpointer", procs[1].Command)
	assert.Equal(t, "2.5", procs[1].CPU)
	assert.Equal(t, "nginx: worker process", procs[2].Command)
}

func TestParseProcessesEmpty(t *testing.T) {
	assert.Empty(t, parseProcesses(""))
	assert.Empty(t, parseProcesses("USER PID %CPU %MEM VSZ RSS TTY STAT START TIME COMMAND\n"))
}

func TestParseServices(t *testing.T) {
	output := `UNIT                     LOAD   ACTIVE   SUB     DESCRIPTION
cron.service             loaded active   running Regular background program processing daemon
nginx.service            loaded active   running A high performance web server and a reverse proxy server
postgresql.service       loaded failed   failed  PostgreSQL RDBMS

3 loaded units listed.
`

	services := parseServices(output)
	require.Len(t, services, 3)

	assert.Equal(t, "cron.service", services[0].Name)
	assert.Equal(t, "running", services[0].Sub)
	assert.Equal(t, "Regular background program processing daemon", services[0].Description)

	assert.Equal(t, "postgresql.service", services[2].Name)
	assert.Equal(t, "failed", services[2].Active)
}
