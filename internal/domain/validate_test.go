package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateOwner(t *testing.T) {
	tests := []struct {
		name    string
		owner   string
		wantErr error
	}{
		{name: "simple", owner: "alice", wantErr: nil},
		{name: "with separators", owner: "team-42.user_7", wantErr: nil},
		{name: "empty", owner: "", wantErr: ErrOwnerRequired},
		{name: "spaces", owner: "alice smith", wantErr: ErrOwnerInvalid},
		{name: "path traversal", owner: "../alice", wantErr: ErrOwnerInvalid},
		{name: "leading dot", owner: ".alice", wantErr: ErrOwnerInvalid},
		{name: "dot dot", owner: "..", wantErr: ErrOwnerInvalid},
		{name: "slash", owner: "a/b", wantErr: ErrOwnerInvalid},
		{name: "too long", owner: strings.Repeat("a", MaxOwnerIDLength+1), wantErr: ErrOwnerInvalid},
		{name: "max length", owner: strings.Repeat("a", MaxOwnerIDLength), wantErr: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOwner(tt.owner)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateContentType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		wantErr     error
	}{
		{name: "plain text", contentType: "text/plain", wantErr: nil},
		{name: "with params", contentType: "text/plain; charset=utf-8", wantErr: nil},
		{name: "pdf", contentType: "application/pdf", wantErr: nil},
		{name: "executable", contentType: "application/x-msdownload", wantErr: ErrContentTypeBlocked},
		{name: "executable mixed case", contentType: "Application/X-MSDownload", wantErr: ErrContentTypeBlocked},
		{name: "shell script", contentType: "application/x-sh", wantErr: ErrContentTypeBlocked},
		{name: "javascript with params", contentType: "application/javascript; charset=utf-8", wantErr: ErrContentTypeBlocked},
		{name: "python source", contentType: "text/x-python", wantErr: ErrContentTypeBlocked},
		{name: "too long", contentType: "application/" + strings.Repeat("x", MaxContentTypeLength), wantErr: ErrContentTypeBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContentType(tt.contentType)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "clean", in: "report.pdf", want: "report.pdf"},
		{name: "path traversal", in: "../../etc/passwd", want: "passwd"},
		{name: "windows path", in: `C:\Users\alice\notes.txt`, want: "notes.txt"},
		{name: "dangerous characters", in: `fi<le>.txt`, want: "fi_le_.txt"},
		{name: "control characters", in: "bad\x00\x1fname.txt", want: "bad__name.txt"},
		{name: "empty", in: "", want: "unnamed_file"},
		{name: "only dots", in: "...", want: "unnamed_file"},
		{name: "dot dot", in: "..", want: "unnamed_file"},
		{name: "windows reserved", in: "CON", want: "_CON"},
		{name: "windows reserved with extension", in: "con.txt", want: "_con.txt"},
		{name: "spaces preserved inside", in: "my report v2.pdf", want: "my report v2.pdf"},
		{name: "trailing dots stripped", in: "archive.", want: "archive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestSanitizeFilenameLength(t *testing.T) {
	long := strings.Repeat("a", 300) + ".txt"
	got := SanitizeFilename(long)
	require.LessOrEqual(t, len(got), MaxFilenameLength)
	require.True(t, strings.HasSuffix(got, ".txt"), "extension must survive truncation")
}

func TestValidateDisplayName(t *testing.T) {
	require.NoError(t, ValidateDisplayName("notes.txt"))
	require.ErrorIs(t, ValidateDisplayName(""), ErrFilenameInvalid)
	require.ErrorIs(t, ValidateDisplayName("a/b.txt"), ErrFilenameInvalid)
	require.ErrorIs(t, ValidateDisplayName(strings.Repeat("a", MaxFilenameLength+1)), ErrFilenameInvalid)
}
