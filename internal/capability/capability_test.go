package capability

import (
	"testing"
	"time"

	"github.com/basket/missiond/internal/bus"
)

func TestEvaluate_ClosedDefaults(t *testing.T) {
	var caps Capabilities // nothing granted

	cases := []struct {
		name     string
		action   Action
		wantCode string
	}{
		{"tool", Action{Kind: KindTool, Target: "shell"}, CodeDeniedTool},
		{"filesystem", Action{Kind: KindFilesystem, Target: "/etc/passwd"}, CodeDeniedFilesystem},
		{"network", Action{Kind: KindNetwork, Target: "https://example.com"}, CodeDeniedNetwork},
		{"secret", Action{Kind: KindSecret, Target: "db_password"}, CodeDeniedSecret},
		{"git fetch", Action{Kind: KindGit, Target: "origin"}, CodeDeniedGit},
		{"git push", Action{Kind: KindGit, Target: "origin", Write: true}, CodeDeniedGit},
		{"unknown kind", Action{Kind: "teleport"}, CodeUnknownKind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := caps.Evaluate(tc.action)
			if d.Authorized || d.Code != tc.wantCode {
				t.Fatalf("decision = %+v, want deny %q", d, tc.wantCode)
			}
		})
	}
}

func TestEvaluate_ToolGrant(t *testing.T) {
	caps := Capabilities{AllowedTools: []string{"read_file", "Web_Search"}}
	if d := caps.Evaluate(Action{Kind: KindTool, Target: "web_search"}); !d.Authorized {
		t.Fatalf("decision = %+v, want allow (case-insensitive)", d)
	}
	if d := caps.Evaluate(Action{Kind: KindTool, Target: "shell"}); d.Authorized {
		t.Fatalf("decision = %+v, want deny", d)
	}
}

func TestEvaluate_NetworkDomainSuffix(t *testing.T) {
	caps := Capabilities{AllowDomains: []string{"example.com"}}

	if d := caps.Evaluate(Action{Kind: KindNetwork, Target: "https://api.example.com/v1"}); !d.Authorized {
		t.Fatalf("subdomain should be allowed: %+v", d)
	}
	if d := caps.Evaluate(Action{Kind: KindNetwork, Target: "https://evilexample.com"}); d.Authorized {
		t.Fatalf("lookalike domain should be denied: %+v", d)
	}
	if d := caps.Evaluate(Action{Kind: KindNetwork, Target: "ftp://example.com"}); d.Authorized {
		t.Fatalf("non-http scheme should be denied: %+v", d)
	}
	if d := caps.Evaluate(Action{Kind: KindNetwork, Target: "http://127.0.0.1/admin"}); d.Authorized {
		t.Fatalf("loopback should be denied without AllowLoopback: %+v", d)
	}

	caps.AllowLoopback = true
	caps.AllowDomains = append(caps.AllowDomains, "localhost")
	if d := caps.Evaluate(Action{Kind: KindNetwork, Target: "http://localhost:8080"}); !d.Authorized {
		t.Fatalf("loopback should be allowed with AllowLoopback: %+v", d)
	}
}

func TestEvaluate_PathPrefix(t *testing.T) {
	caps := Capabilities{AllowPaths: []string{"/workspace/m-1"}}

	if d := caps.Evaluate(Action{Kind: KindFilesystem, Target: "/workspace/m-1/src/main.go"}); !d.Authorized {
		t.Fatalf("path under prefix should be allowed: %+v", d)
	}
	if d := caps.Evaluate(Action{Kind: KindFilesystem, Target: "/workspace/m-2/notes.txt"}); d.Authorized {
		t.Fatalf("path outside prefix should be denied: %+v", d)
	}
	if d := caps.Evaluate(Action{Kind: KindFilesystem, Target: "/workspace/m-1-evil/x"}); d.Authorized {
		t.Fatalf("sibling prefix should be denied: %+v", d)
	}
}

func TestEvaluate_GitPushModes(t *testing.T) {
	push := Action{Kind: KindGit, Target: "origin", Write: true}

	caps := Capabilities{GitPush: GitPushAllow}
	if d := caps.Evaluate(push); !d.Authorized {
		t.Fatalf("allow mode: %+v", d)
	}

	caps = Capabilities{GitPush: GitPushApproval}
	d := caps.Evaluate(push)
	if d.Authorized || !d.RequiresApproval || d.Code != CodeRequiresApproval {
		t.Fatalf("approval mode: %+v", d)
	}

	caps = Capabilities{GitRead: true}
	if d := caps.Evaluate(Action{Kind: KindGit, Target: "origin"}); !d.Authorized {
		t.Fatalf("git read with GitRead: %+v", d)
	}
}

func TestEvaluate_SecretAliases(t *testing.T) {
	caps := Capabilities{SecretAliases: []string{"github_deploy_key"}}
	if d := caps.Evaluate(Action{Kind: KindSecret, Target: "github_deploy_key"}); !d.Authorized {
		t.Fatalf("allow-listed alias: %+v", d)
	}
	if d := caps.Evaluate(Action{Kind: KindSecret, Target: "aws_root"}); d.Authorized {
		t.Fatalf("unlisted alias: %+v", d)
	}
}

func TestVersion_Stable(t *testing.T) {
	a := Capabilities{AllowedTools: []string{"shell"}, GitPush: GitPushAllow}
	b := Capabilities{AllowedTools: []string{"shell"}, GitPush: GitPushAllow}
	if a.Version() != b.Version() {
		t.Fatal("identical grant sets must hash identically")
	}
	c := Capabilities{AllowedTools: []string{"shell", "web_search"}, GitPush: GitPushAllow}
	if a.Version() == c.Version() {
		t.Fatal("different grant sets must hash differently")
	}
}

func TestValidate_GitPushMode(t *testing.T) {
	if err := (Capabilities{GitPush: "request_approval"}).Validate(); err != nil {
		t.Fatalf("valid mode rejected: %v", err)
	}
	if err := (Capabilities{GitPush: "maybe"}).Validate(); err == nil {
		t.Fatal("invalid mode accepted")
	}
}

func TestGuard_DenialPublishesButNeverCancels(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicCapabilityDenied)
	defer b.Unsubscribe(sub)

	g := NewGuard(b, nil)
	g.Register("inst-1", Capabilities{AllowedTools: []string{"read_file"}})

	d := g.Authorize("inst-1", Action{Kind: KindTool, Target: "shell"})
	if d.Authorized || d.Code != CodeDeniedTool {
		t.Fatalf("decision = %+v", d)
	}

	select {
	case event := <-sub.Ch():
		payload := event.Payload.(bus.CapabilityDeniedEvent)
		if payload.InstanceID != "inst-1" || payload.Code != CodeDeniedTool {
			t.Fatalf("event = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for capability.denied")
	}

	// The instance remains registered; a subsequent allowed action succeeds.
	if d := g.Authorize("inst-1", Action{Kind: KindTool, Target: "read_file"}); !d.Authorized {
		t.Fatalf("decision = %+v, want allow", d)
	}
}

func TestGuard_UnknownInstance(t *testing.T) {
	g := NewGuard(nil, nil)
	d := g.Authorize("ghost", Action{Kind: KindTool, Target: "shell"})
	if d.Authorized || d.Code != CodeUnknownInstance {
		t.Fatalf("decision = %+v", d)
	}
}
