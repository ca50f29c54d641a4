package render

// ExportKey is where a finished render is stored.
func ExportKey(jobID string) string { return "exports/" + jobID + ".mp4" }

// DownloadPath is the API route serving an export when storage has no public URL.
func DownloadPath(jobID string) string { return "/render/" + jobID + "/download" }
