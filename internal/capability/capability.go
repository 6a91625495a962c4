// Package capability authorizes or denies actions attempted by running
// agent instances. Defaults are closed: network and git-push are disabled
// unless explicitly granted, and secrets are hidden unless their alias is
// allow-listed. A denial never cancels the instance; the caller receives a
// structured refusal and may choose another action.
package capability

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Action kinds.
const (
	KindTool       = "tool"
	KindFilesystem = "filesystem"
	KindNetwork    = "network"
	KindSecret     = "secret"
	KindGit        = "git"
)

// Git-push handling modes.
const (
	GitPushDeny     = "deny"
	GitPushAllow    = "allow"
	GitPushApproval = "request_approval"
)

// Stable decision codes.
const (
	CodeAllowed          = "capability_allowed"
	CodeDeniedTool       = "capability_denied_tool"
	CodeDeniedFilesystem = "capability_denied_filesystem"
	CodeDeniedNetwork    = "capability_denied_network"
	CodeDeniedSecret     = "capability_denied_secret"
	CodeDeniedGit        = "capability_denied_git"
	CodeRequiresApproval = "capability_requires_approval"
	CodeUnknownInstance  = "capability_unknown_instance"
	CodeUnknownKind      = "capability_unknown_kind"
)

// Capabilities is the grant set attached to an instance at spawn time.
type Capabilities struct {
	// AllowedTools lists tool names the instance may invoke.
	AllowedTools []string `yaml:"allowed_tools" json:"allowed_tools,omitempty"`
	// AllowPaths lists filesystem prefixes the instance may touch.
	// Empty permits no paths.
	AllowPaths []string `yaml:"allow_paths" json:"allow_paths,omitempty"`
	// AllowDomains lists network domains reachable over HTTP(S).
	// Suffix matching: "example.com" also allows "api.example.com".
	AllowDomains []string `yaml:"allow_domains" json:"allow_domains,omitempty"`
	// AllowLoopback permits localhost/loopback targets.
	AllowLoopback bool `yaml:"allow_loopback" json:"allow_loopback,omitempty"`
	// SecretAliases lists secret aliases visible to the instance.
	SecretAliases []string `yaml:"secret_aliases" json:"secret_aliases,omitempty"`
	// GitPush selects deny (default), allow, or request_approval.
	GitPush string `yaml:"git_push" json:"git_push,omitempty"`
	// GitRead permits fetch/clone of the mission workspace remotes.
	GitRead bool `yaml:"git_read" json:"git_read,omitempty"`
}

// Action is a single attempted operation.
type Action struct {
	Kind   string // tool, filesystem, network, secret, or git
	Target string // tool name, path, URL, secret alias, or git remote
	Write  bool   // filesystem write / git push (vs read / fetch)
}

// Decision is the guard's structured answer. Authorize never returns an
// error: callers branch on Code.
type Decision struct {
	Authorized       bool
	RequiresApproval bool
	Code             string
}

func allowed() Decision {
	return Decision{Authorized: true, Code: CodeAllowed}
}

func denied(code string) Decision {
	return Decision{Code: code}
}

// Evaluate checks one action against the grant set.
func (c Capabilities) Evaluate(action Action) Decision {
	switch action.Kind {
	case KindTool:
		if containsFold(c.AllowedTools, action.Target) {
			return allowed()
		}
		return denied(CodeDeniedTool)
	case KindFilesystem:
		if c.allowPath(action.Target) {
			return allowed()
		}
		return denied(CodeDeniedFilesystem)
	case KindNetwork:
		if c.allowHTTPURL(action.Target) {
			return allowed()
		}
		return denied(CodeDeniedNetwork)
	case KindSecret:
		if containsFold(c.SecretAliases, action.Target) {
			return allowed()
		}
		return denied(CodeDeniedSecret)
	case KindGit:
		if !action.Write {
			if c.GitRead {
				return allowed()
			}
			return denied(CodeDeniedGit)
		}
		switch strings.ToLower(strings.TrimSpace(c.GitPush)) {
		case GitPushAllow:
			return allowed()
		case GitPushApproval:
			return Decision{RequiresApproval: true, Code: CodeRequiresApproval}
		default:
			return denied(CodeDeniedGit)
		}
	default:
		return denied(CodeUnknownKind)
	}
}

// allowHTTPURL checks scheme, blocked hosts, and the domain allow list.
func (c Capabilities) allowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, c.AllowLoopback) {
		return false
	}
	for _, domain := range c.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // Not an IP address (e.g. a hostname).
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// allowPath checks whether a filesystem path is within an allowed prefix.
// An empty AllowPaths list permits nothing (closed default).
func (c Capabilities) allowPath(path string) bool {
	if len(c.AllowPaths) == 0 {
		return false
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, allowedPath := range c.AllowPaths {
		allowedPath = strings.TrimSpace(allowedPath)
		if allowedPath == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowedPath)
		if err != nil {
			continue
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Version returns a stable hash of the grant set, recorded in audit entries.
func (c Capabilities) Version() string {
	h := fnv.New64a()
	for _, v := range c.AllowedTools {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range c.AllowPaths {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range c.AllowDomains {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range c.SecretAliases {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	_, _ = h.Write([]byte("git_push=" + strings.ToLower(strings.TrimSpace(c.GitPush)) + "|"))
	if c.GitRead {
		_, _ = h.Write([]byte("git_read=true|"))
	}
	if c.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	return "caps-" + strconv.FormatUint(h.Sum64(), 16)
}

// Validate rejects malformed grant sets at template load time.
func (c Capabilities) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.GitPush)) {
	case "", GitPushDeny, GitPushAllow, GitPushApproval:
	default:
		return fmt.Errorf("unknown git_push mode %q", c.GitPush)
	}
	return nil
}

func containsFold(list []string, val string) bool {
	val = strings.ToLower(strings.TrimSpace(val))
	if val == "" {
		return false
	}
	for _, item := range list {
		if strings.ToLower(strings.TrimSpace(item)) == val {
			return true
		}
	}
	return false
}
