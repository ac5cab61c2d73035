package transcription

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

//go:embed assets/transcribe.py
var transcribeScript []byte

var (
	scriptOnce sync.Once
	scriptPath string
	scriptErr  error
)

// bundledScript writes the embedded helper to the temp directory once per
// process. The file name carries a content hash so upgrades never run a
// stale copy.
func bundledScript() (string, error) {
	scriptOnce.Do(func() {
		sum := sha256.Sum256(transcribeScript)
		path := filepath.Join(os.TempDir(), "scribe-transcribe-"+hex.EncodeToString(sum[:6])+".py")
		if existing, err := os.ReadFile(path); err == nil && string(existing) == string(transcribeScript) {
			scriptPath = path
			return
		}
		if err := os.WriteFile(path, transcribeScript, 0o644); err != nil {
			scriptErr = errors.Wrap(err, "write recognition script")
			return
		}
		scriptPath = path
	})
	return scriptPath, scriptErr
}
