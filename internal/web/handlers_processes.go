// internal/web/handlers_processes.go
package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// processEntry is one row of `ps aux` output.
type processEntry struct {
	User    string `json:"user"`
	PID     string `json:"pid"`
	CPU     string `json:"cpu"`
	Mem     string `json:"mem"`
	VSZ     string `json:"vsz"`
	RSS     string `json:"rss"`
	TTY     string `json:"tty"`
	Stat    string `json:"stat"`
	Start   string `json:"start"`
	Time    string `json:"time"`
	Command string `json:"command"`
}

// serviceEntry is one systemd unit from `systemctl list-units`.
type serviceEntry struct {
	Name        string `json:"name"`
	Load        string `json:"load"`
	Active      string `json:"active"`
	Sub         string `json:"sub"`
	Description string `json:"description"`
}

func (s *Server) listProcesses(c *gin.Context) {
	result, err := s.exec.System(c.Request.Context(), c.Param("id"), "ps aux --sort=-%cpu | head -50", fileOpTimeout)
	if err != nil {
		respondWithError(c, err, "Failed to list processes")
		return
	}
	if result.ExitCode != 0 {
		respondError(c, http.StatusBadRequest, strings.TrimSpace(result.Output))
		return
	}

	processes := parseProcesses(result.Output)
	c.JSON(http.StatusOK, gin.H{
		"processes": processes,
		"count":     len(processes),
	})
}

func (s *Server) listServices(c *gin.Context) {
	cmd := "systemctl list-units --type=service --state=running,failed,inactive --no-pager --plain | head -100"
	result, err := s.exec.System(c.Request.Context(), c.Param("id"), cmd, fileOpTimeout)
	if err != nil {
		respondWithError(c, err, "Failed to list services")
		return
	}

	services := parseServices(result.Output)
	c.JSON(http.StatusOK, gin.H{
		"services": services,
		"count":    len(services),
	})
}

// parseProcesses parses `ps aux` output. The command is everything from
// the eleventh field onward, so arguments with spaces survive.
func parseProcesses(output string) []processEntry {
	entries := []processEntry{}
	for i, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) < 11 {
			continue
		}
		entries = append(entries, processEntry{
			User:    fields[0],
			PID:     fields[1],
			CPU:     fields[2],
			Mem:     fields[3],
			VSZ:     fields[4],
			RSS:     fields[5],
			TTY:     fields[6],
			Stat:    fields[7],
			Start:   fields[8],
			Time:    fields[9],
			Command: strings.Join(fields[10:], " "),
		})
	}
	return entries
}

// parseServices parses `systemctl list-units --plain` output. The
// description is everything from the fifth field onward.
func parseServices(output string) []serviceEntry {
	entries := []serviceEntry{}
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "UNIT") || strings.Contains(line, "loaded units listed") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		entries = append(entries, serviceEntry{
			Name:        fields[0],
			Load:        fields[1],
			Active:      fields[2],
			Sub:         fields[3],
			Description: strings.Join(fields[4:], " "),
		})
	}
	return entries
}
