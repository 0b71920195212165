// Package bootstrap renders the shell commands run on a new VM: the one-shot
// command that joins it to the tailnet as an exit node, and the status
// check that confirms the join.
package bootstrap

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/alessio/shellescape"
)

const (
	// DefaultInstallURL is the Tailscale install script.
	DefaultInstallURL = "https://tailscale.com/install.sh"

	// MarkerPath holds the run ID of the last successful join.
	MarkerPath = "/var/lib/exitnode/run-id"
)

// ErrEmptyAuthKey is returned when Params carries no auth key.
var ErrEmptyAuthKey = errors.New("tailscale auth key is empty")

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Params holds the inputs to the join command.
type Params struct {
	// AuthKey is the Tailscale auth key. It is written to a temp file on
	// the VM and removed when the command exits.
	AuthKey string
	// RunID ties the status check to this invocation.
	RunID string
	// Hostname is the name the node registers with; empty keeps the OS
	// hostname.
	Hostname string
	// InstallURL overrides DefaultInstallURL.
	InstallURL string
	// AcceptRoutes adds --accept-routes.
	AcceptRoutes bool
}

// joinTemplate renders to one line; newlines are folded out after execution.
//
// Steps, in order: arm an EXIT trap that removes the key file, write the
// key, install, join, record the run marker, remove the key file, exit with
// the join status. The join status is captured rather than aborting so the
// removal always runs.
const joinTemplate = `set -u;
KEYFILE={{.KeyFile}};
trap 'rm -f "$KEYFILE"' EXIT;
umask 077;
printf '%s' {{.QuotedKey}} > "$KEYFILE";
curl -fsSL {{.InstallURL}} | sh;
tailscale up --auth-key="file:$KEYFILE" --advertise-exit-node{{if .AcceptRoutes}} --accept-routes{{end}}{{if .Hostname}} --hostname={{.Hostname}}{{end}};
rc=$?;
if [ "$rc" -eq 0 ]; then mkdir -p {{.MarkerDir}} && echo {{.RunID}} > {{.MarkerPath}}; fi;
rm -f "$KEYFILE";
exit $rc`

var joinTmpl = template.Must(template.New("join").Parse(joinTemplate))

type joinData struct {
	KeyFile      string
	QuotedKey    string
	InstallURL   string
	AcceptRoutes bool
	Hostname     string
	RunID        string
	MarkerDir    string
	MarkerPath   string
}

// KeyFile returns the path the auth key is written to for runID.
func KeyFile(runID string) string {
	return "/tmp/tailscale-authkey-" + runID
}

// Command renders the join command for p.
func Command(p Params) (string, error) {
	if p.AuthKey == "" {
		return "", ErrEmptyAuthKey
	}
	if !runIDPattern.MatchString(p.RunID) {
		return "", fmt.Errorf("invalid run ID %q", p.RunID)
	}
	installURL := p.InstallURL
	if installURL == "" {
		installURL = DefaultInstallURL
	}

	data := joinData{
		KeyFile:      KeyFile(p.RunID),
		QuotedKey:    shellescape.Quote(p.AuthKey),
		InstallURL:   shellescape.Quote(installURL),
		AcceptRoutes: p.AcceptRoutes,
		RunID:        p.RunID,
		MarkerDir:    markerDir(),
		MarkerPath:   MarkerPath,
	}
	if p.Hostname != "" {
		data.Hostname = shellescape.Quote(strings.ToLower(p.Hostname))
	}

	var buf bytes.Buffer
	if err := joinTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render join command: %w", err)
	}
	return strings.ReplaceAll(buf.String(), "\n", " "), nil
}

// StatusCommand returns a script that prints `tailscale status` only when
// the marker written by the join command for runID is present. Output from
// a node joined by an earlier run is therefore empty.
func StatusCommand(runID string) (string, error) {
	if !runIDPattern.MatchString(runID) {
		return "", fmt.Errorf("invalid run ID %q", runID)
	}
	return fmt.Sprintf("grep -qx %s %s 2>/dev/null && tailscale status", runID, MarkerPath), nil
}

// StdoutOf extracts the stdout section of a run-command message, which
// Azure reports as "Enable succeeded: \n[stdout]\n...\n[stderr]\n...".
// A message without a stdout section, such as an error text, yields "".
func StdoutOf(message string) string {
	const (
		outMarker = "[stdout]"
		errMarker = "[stderr]"
	)
	i := strings.Index(message, outMarker)
	if i < 0 {
		return ""
	}
	rest := message[i+len(outMarker):]
	if j := strings.Index(rest, errMarker); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

// EncodeCustomData base64-encodes a cloud-init payload for the OS profile.
func EncodeCustomData(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func markerDir() string {
	i := strings.LastIndex(MarkerPath, "/")
	return MarkerPath[:i]
}
