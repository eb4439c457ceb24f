// internal/web/handlers_files.go
package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// maxFileReadBytes caps what the content endpoint ships to the browser.
const maxFileReadBytes = 1 << 20

const fileOpTimeout = 30 * time.Second

// fileEntry is one row of a directory listing.
type fileEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Mode     string `json:"mode"`
	IsDir    bool   `json:"is_dir"`
	Modified string `json:"modified"`
}

// sanitizePath rejects anything that could escape a single-quoted shell
// argument or smuggle in a second command. Paths are passed to the remote
// shell single-quoted, so the quote itself is the critical character.
func sanitizePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if strings.ContainsAny(path, "'\"`$;|&<>(){}\n\r\x00") {
		return fmt.Errorf("path contains forbidden characters")
	}
	return nil
}

func quotePath(path string) string {
	return "'" + path + "'"
}

// pathQuery extracts the path query parameter. URL.Query drops any
// parameter containing a semicolon, which would silently swap a rejected
// path for the fallback, so the raw query is checked first.
func pathQuery(c *gin.Context, fallback string) (string, error) {
	if strings.Contains(c.Request.URL.RawQuery, ";") {
		return "", fmt.Errorf("path contains forbidden characters")
	}
	path := c.Query("path")
	if path == "" {
		path = fallback
	}
	if err := sanitizePath(path); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Server) listFiles(c *gin.Context) {
	path, err := pathQuery(c, "/")
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.exec.System(c.Request.Context(), c.Param("id"), "ls -la "+quotePath(path), fileOpTimeout)
	if err != nil {
		respondWithError(c, err, "Failed to list directory")
		return
	}
	if result.ExitCode != 0 {
		respondError(c, http.StatusBadRequest, strings.TrimSpace(result.Output))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"path":  path,
		"files": parseListing(path, result.Output),
	})
}

// parseListing turns `ls -la` output into structured entries. The name is
// everything after the eighth field, so names with spaces survive.
func parseListing(dir, output string) []fileEntry {
	entries := []fileEntry{}
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 || strings.HasPrefix(line, "total") {
			continue
		}

		name := strings.Join(fields[8:], " ")
		if name == "." || name == ".." {
			continue
		}
		// symlinks list as "name -> target"; keep the name
		if i := strings.Index(name, " -> "); i >= 0 {
			name = name[:i]
		}

		size, _ := strconv.ParseInt(fields[4], 10, 64)
		full := dir
		if !strings.HasSuffix(full, "/") {
			full += "/"
		}
		entries = append(entries, fileEntry{
			Name:     name,
			Path:     full + name,
			Size:     size,
			Mode:     fields[0],
			IsDir:    fields[0][0] == 'd',
			Modified: strings.Join(fields[5:8], " "),
		})
	}
	return entries
}

func (s *Server) readFile(c *gin.Context) {
	path, err := pathQuery(c, "")
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	sizeResult, err := s.exec.System(ctx, id, "stat -c %s "+quotePath(path), fileOpTimeout)
	if err != nil {
		respondWithError(c, err, "Failed to read file")
		return
	}
	if sizeResult.ExitCode != 0 {
		respondError(c, http.StatusNotFound, strings.TrimSpace(sizeResult.Output))
		return
	}
	size, _ := strconv.ParseInt(strings.TrimSpace(sizeResult.Output), 10, 64)

	result, err := s.exec.System(ctx, id, fmt.Sprintf("head -c %d %s", maxFileReadBytes, quotePath(path)), fileOpTimeout)
	if err != nil {
		respondWithError(c, err, "Failed to read file")
		return
	}
	if result.ExitCode != 0 {
		respondError(c, http.StatusBadRequest, strings.TrimSpace(result.Output))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"path":      path,
		"content":   result.Output,
		"size":      size,
		"truncated": size > maxFileReadBytes,
	})
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// writeFile streams the body to `cat > path` over the connection's stdin,
// so content never touches a shell command line.
func (s *Server) writeFile(c *gin.Context) {
	var req writeFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := sanitizePath(req.Path); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	result, err := s.exec.ExecWithInput(ctx, id, "cat > "+quotePath(req.Path), []byte(req.Content), fileOpTimeout, actor(c))
	if err != nil {
		s.audit.Failure(ctx, actor(c), "file.write", id, req.Path)
		respondWithError(c, err, "Failed to write file")
		return
	}
	if result.ExitCode != 0 {
		s.audit.Failure(ctx, actor(c), "file.write", id, req.Path)
		respondError(c, http.StatusBadRequest, strings.TrimSpace(result.Output))
		return
	}

	s.audit.Success(ctx, actor(c), "file.write", id, req.Path)
	c.JSON(http.StatusOK, gin.H{
		"path":    req.Path,
		"written": len(req.Content),
	})
}
