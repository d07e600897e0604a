package gitgw

import (
	"fmt"
	"os"

	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gogitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// TokenAuth builds a transport.AuthMethod for HTTPS basic auth using a
// bearer token (a static PAT, or a GitHub App installation token minted
// by internal/ghauth). GitHub accepts any non-empty username alongside a
// token password; "x-access-token" matches what GitHub Apps expect.
func TokenAuth(token string) transport.AuthMethod {
	return &gogithttp.BasicAuth{Username: "x-access-token", Password: token}
}

// SSHAgentAuth builds a transport.AuthMethod that defers to the local
// ssh-agent, for git_urls using the ssh:// or git@ scheme.
func SSHAgentAuth(user string) (transport.AuthMethod, error) {
	auth, err := gogitssh.NewSSHAgentAuth(user)
	if err != nil {
		return nil, fmt.Errorf("connecting to ssh-agent: %w", err)
	}
	return auth, nil
}

// SSHKeyAuth builds a transport.AuthMethod from a PEM-encoded private key
// read from keyFile. If knownHostsFile is non-empty, host keys are
// verified against it; otherwise verification is intentionally
// permissive (InsecureIgnoreHostKey), matching the rest of the corpus's
// CI-agent posture where a known_hosts file is rarely provisioned.
func SSHKeyAuth(user, keyFile, knownHostsFile string) (transport.AuthMethod, error) {
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", keyFile, err)
	}
	publicKeys, err := gogitssh.NewPublicKeys(user, pem, "")
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", keyFile, err)
	}
	if knownHostsFile != "" {
		callback, err := knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("parsing known_hosts %s: %w", knownHostsFile, err)
		}
		publicKeys.HostKeyCallback = callback
	} else {
		publicKeys.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}
	return publicKeys, nil
}
