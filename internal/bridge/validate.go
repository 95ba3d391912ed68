package bridge

import (
	"fmt"
	"regexp"
)

// Terminal defaults applied when a connect command omits them.
const (
	defaultTerminal = "xterm"
	defaultCols     = 80
	defaultRows     = 24
	defaultSSHPort  = 22
	defaultUsername = "root"
)

// Upper bounds carried over from the browser terminal's limits.
const (
	maxInputSize = 64 * 1024
	maxTermCols  = 500
	maxTermRows  = 200
)

func clampGeometry(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	if cols > maxTermCols {
		cols = maxTermCols
	}
	if rows > maxTermRows {
		rows = maxTermRows
	}
	return cols, rows
}

// proxyHostPattern accepts bare hostnames, dotted names, localhost, and IPv4
// literals. Anything else, shell metacharacters in particular, is rejected
// before a single frame reaches the agent.
var proxyHostPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$|^localhost$|^(\d{1,3}\.){3}\d{1,3}$`)

func validateProxyHost(host string) error {
	if host == "" {
		return fmt.Errorf("host is required")
	}
	if len(host) > 255 {
		return fmt.Errorf("host too long (max 255 chars)")
	}
	if !proxyHostPattern.MatchString(host) {
		return fmt.Errorf("invalid host format")
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port (must be 1-65535)")
	}
	return nil
}
