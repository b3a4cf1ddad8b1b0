package drive

// FileMeta is one image leaf of a tenant's folder tree.
type FileMeta struct {
	ID           string
	Name         string
	FolderPath   string // slash-joined ancestor folder names, "" at the root
	WebViewLink  string
	MimeType     string
	ModifiedTime string // RFC 3339 as reported by Drive
	Size         int64
	MD5Checksum  string // empty for types Drive does not checksum
}

// Change is one entry of the change feed.
type Change struct {
	FileID  string
	Removed bool
	File    *ChangedFile // nil when Removed or the file is inaccessible
}

// ChangedFile carries the subset of file fields the router needs.
type ChangedFile struct {
	ID       string
	Name     string
	MimeType string
	Parents  []string
	Trashed  bool
}

// ChangePage is one page of the change feed.
type ChangePage struct {
	Changes           []Change
	NextPageToken     string
	NewStartPageToken string
}

// ChannelInfo describes a created push channel.
type ChannelInfo struct {
	ChannelID  string
	ResourceID string
	Expiration int64 // unix milliseconds
}
