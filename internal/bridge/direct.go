package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/patchwork-sh/patchwork/internal/audit"
	"github.com/patchwork-sh/patchwork/internal/crypto"
	"golang.org/x/crypto/ssh"
)

// directSession owns one outbound SSH client connection and its PTY shell.
// At most one exists per browser connection.
type directSession struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser

	closeOnce sync.Once
}

// close ends the shell and the SSH client. Safe to call from multiple
// teardown paths; the client is ended exactly once.
func (ds *directSession) close() {
	ds.closeOnce.Do(func() {
		ds.sess.Close()
		ds.client.Close()
	})
}

// storedCredential is the decrypted form of Host.SSHCredential.
type storedCredential struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase"`
}

// directConnect dials the host's SSH endpoint, opens a PTY shell, and starts
// the output pumps. Any failure is reported as an error frame and leaves the
// connection idle so the browser can retry.
func (c *conn) directConnect(ctx context.Context, cmd *clientCommand) {
	username := cmd.Username
	password := cmd.Password
	privateKey := cmd.PrivateKey
	passphrase := cmd.Passphrase

	// Fall back to the host's stored credential when the command carries none.
	if password == "" && privateKey == "" && c.host.SSHCredential != "" {
		if plain, err := crypto.Decrypt(c.host.SSHCredential); err == nil {
			var cred storedCredential
			if err := json.Unmarshal([]byte(plain), &cred); err == nil {
				if username == "" {
					username = cred.Username
				}
				password = cred.Password
				privateKey = cred.PrivateKey
				passphrase = cred.Passphrase
			}
		} else {
			log.Printf("[bridge] stored credential for host %d unusable: %v", c.host.ID, err)
		}
	}
	if username == "" {
		username = defaultUsername
	}

	// Private key takes precedence when both credentials are supplied.
	var methods []ssh.AuthMethod
	switch {
	case privateKey != "":
		var signer ssh.Signer
		var err error
		if passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(privateKey), []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(privateKey))
		}
		if err != nil {
			c.writer.sendError(ctx, fmt.Sprintf("Invalid private key: %v", err))
			return
		}
		methods = append(methods, ssh.PublicKeys(signer))
	case password != "":
		methods = append(methods, ssh.Password(password))
	default:
		c.writer.sendError(ctx, "No credentials provided")
		return
	}

	addr := c.host.IP
	if addr == "" {
		addr = c.host.Hostname
	}
	port := cmd.Port
	if port == 0 {
		port = defaultSSHPort
	}
	if err := validatePort(port); err != nil {
		c.writer.sendError(ctx, err.Error())
		return
	}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.bridge.DialTimeout,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", addr, port), cfg)
	if err != nil {
		c.writer.sendError(ctx, fmt.Sprintf("SSH connection failed: %v", err))
		return
	}

	ds, stdout, stderr, err := openShell(client, cmd)
	if err != nil {
		client.Close()
		c.writer.sendError(ctx, fmt.Sprintf("Failed to start shell: %v", err))
		return
	}

	c.mu.Lock()
	c.direct = ds
	c.state = stateShellOpen
	c.mode = modeDirect
	c.mu.Unlock()

	c.writer.sendConnected(ctx)
	c.auditSession(audit.EventSessionConnected, "direct")
	log.Printf("[bridge] direct SSH session opened: host=%d user=%s target=%s:%d", c.host.ID, c.user.Username, addr, port)

	go c.pumpStream(ds, stdout, false)
	go c.pumpStream(ds, stderr, true)
	go func() {
		ds.sess.Wait()
		c.directEnded(ds)
	}()
}

// openShell opens a PTY shell session on the client, returning the session
// handles and its stdout/stderr streams.
func openShell(client *ssh.Client, cmd *clientCommand) (*directSession, io.Reader, io.Reader, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create ssh session: %w", err)
	}

	term := cmd.Terminal
	if term == "" {
		term = defaultTerminal
	}
	cols, rows := clampGeometry(cmd.Cols, cmd.Rows)

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("start shell: %w", err)
	}

	return &directSession{client: client, sess: sess, stdin: stdin}, stdout, stderr, nil
}

// pumpStream forwards SSH output to the browser in stream order. stderr
// bytes surface as error frames, stdout as data frames.
func (c *conn) pumpStream(ds *directSession, r io.Reader, isStderr bool) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			var werr error
			if isStderr {
				werr = c.writer.sendError(c.ctx, string(buf[:n]))
			} else {
				werr = c.writer.sendData(c.ctx, string(buf[:n]))
			}
			if werr != nil {
				c.directEnded(ds)
				return
			}
		}
		if err != nil {
			if !isStderr {
				c.directEnded(ds)
			}
			return
		}
	}
}

// directEnded handles shell-stream close: emits closed, ends the client, and
// returns the connection to idle. Safe against double invocation from the
// stdout pump and the session waiter.
func (c *conn) directEnded(ds *directSession) {
	c.mu.Lock()
	if c.direct != ds {
		c.mu.Unlock()
		return
	}
	c.direct = nil
	c.state = stateIdle
	c.mu.Unlock()

	c.writer.sendClosed(c.ctx)
	ds.close()
	c.auditSession(audit.EventSessionClosed, "direct")
	log.Printf("[bridge] direct SSH session closed: host=%d user=%s", c.host.ID, c.user.Username)
}

func (c *conn) directInput(ds *directSession, data string) {
	if ds == nil {
		return
	}
	if _, err := ds.stdin.Write([]byte(data)); err != nil {
		// Stream death is handled by the pumps; nothing to do here.
		log.Printf("[bridge] stdin write failed: host=%d: %v", c.host.ID, err)
	}
}

func (c *conn) directResize(ds *directSession, cols, rows int) {
	if ds == nil {
		return
	}
	if err := ds.sess.WindowChange(rows, cols); err != nil {
		log.Printf("[bridge] window change failed: host=%d: %v", c.host.ID, err)
	}
}

// directDisconnect ends the SSH client on explicit browser request.
func (c *conn) directDisconnect(ctx context.Context) {
	c.mu.Lock()
	ds := c.direct
	c.direct = nil
	c.state = stateIdle
	c.mu.Unlock()

	if ds != nil {
		ds.close()
		c.writer.sendClosed(ctx)
		c.auditSession(audit.EventSessionClosed, "direct")
	}
}
