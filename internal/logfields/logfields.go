package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyTaskID  = "task_id"
	KeyStep    = "step"
	KeyMode    = "mode"
	KeyStatus  = "status"
	KeyProject = "project"
	KeyVersion = "version"
	KeyBranch  = "branch"
	KeyCommit  = "commit"
	KeyPath    = "path"
	KeyURL     = "url"
	KeyError   = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func TaskID(id int64) slog.Attr    { return slog.Int64(KeyTaskID, id) }
func Step(name string) slog.Attr   { return slog.String(KeyStep, name) }
func Mode(m string) slog.Attr      { return slog.String(KeyMode, m) }
func Status(s string) slog.Attr    { return slog.String(KeyStatus, s) }
func Project(name string) slog.Attr { return slog.String(KeyProject, name) }
func Version(v string) slog.Attr   { return slog.String(KeyVersion, v) }
func Branch(b string) slog.Attr    { return slog.String(KeyBranch, b) }
func Commit(c string) slog.Attr {
	if len(c) > 8 {
		c = c[:8]
	}
	return slog.String(KeyCommit, c)
}
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr  { return slog.String(KeyURL, u) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
