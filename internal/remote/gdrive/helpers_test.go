package gdrive

import (
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/types"
)

func nopLogger() logging.Logger {
	return logging.NewNoOpLogger()
}

func nodeWithSize(id string, size int64) *types.RemoteNode {
	return &types.RemoteNode{ID: id, MimeType: "text/plain", Size: size}
}
