package capability

import (
	"errors"
	"strings"
	"testing"

	"github.com/hatago-mcp/hatago/internal/domain/proxy"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

func caps(tools ...string) *mcp.Capabilities {
	c := &mcp.Capabilities{}
	for _, t := range tools {
		c.Tools = append(c.Tools, mcp.Tool{Name: t})
	}
	return c
}

func TestPublicNameStrategies(t *testing.T) {
	tests := []struct {
		strategy Strategy
		want     string
	}{
		{StrategyNamespace, "echo_github"},
		{StrategyAlias, "github_echo"},
		{StrategyError, "echo"},
	}
	for _, tt := range tests {
		n := Naming{Strategy: tt.strategy}
		if got := n.PublicName("github", "echo"); got != tt.want {
			t.Errorf("strategy %s: got %q, want %q", tt.strategy, got, tt.want)
		}
	}
}

func TestPublicNameCustomSeparator(t *testing.T) {
	n := Naming{Strategy: StrategyAlias, Separator: "."}
	if got := n.PublicName("fs", "read"); got != "fs.read" {
		t.Errorf("got %q, want %q", got, "fs.read")
	}
}

func TestRegisterAndResolveRoundTrip(t *testing.T) {
	for _, strategy := range []Strategy{StrategyNamespace, StrategyAlias} {
		r := NewRegistry(Naming{Strategy: strategy})
		if err := r.RegisterUpstream("github", caps("echo", "search"), Filter{}); err != nil {
			t.Fatalf("strategy %s: register: %v", strategy, err)
		}

		for _, original := range []string{"echo", "search"} {
			public := r.Naming().PublicName("github", original)
			id, name, ok := r.ResolveTool(public)
			if !ok {
				t.Fatalf("strategy %s: %q did not resolve", strategy, public)
			}
			if id != "github" || name != original {
				t.Errorf("strategy %s: resolved (%q, %q), want (github, %q)",
					strategy, id, name, original)
			}
		}
	}
}

func TestResolveUnknownTool(t *testing.T) {
	r := NewRegistry(Naming{})
	if err := r.RegisterUpstream("github", caps("echo"), Filter{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, _, ok := r.ResolveTool("echo_gitlab"); ok {
		t.Error("resolved a tool for an unregistered upstream")
	}
	if _, _, ok := r.ResolveTool("nounderscore"); ok {
		t.Error("resolved an unparsable name")
	}
}

func TestErrorStrategyCollision(t *testing.T) {
	r := NewRegistry(Naming{Strategy: StrategyError})
	if err := r.RegisterUpstream("alpha", caps("echo"), Filter{}); err != nil {
		t.Fatalf("first register: %v", err)
	}

	err := r.RegisterUpstream("beta", caps("echo"), Filter{})
	if err == nil {
		t.Fatal("expected a collision error")
	}
	var he *proxy.Error
	if !errors.As(err, &he) || he.Kind != proxy.KindConfig {
		t.Errorf("collision error kind = %v, want CONFIG_ERROR", err)
	}

	// First registrant keeps serving; the failed registration left nothing.
	if id, _, ok := r.ResolveTool("echo"); !ok || id != "alpha" {
		t.Errorf("after collision, echo resolves to (%q, %v), want alpha", id, ok)
	}
	if r.HasUpstream("beta") {
		t.Error("failed registration left beta entries behind")
	}
}

func TestCollisionRollsBackPartialRegistration(t *testing.T) {
	r := NewRegistry(Naming{Strategy: StrategyError})
	if err := r.RegisterUpstream("alpha", caps("b"), Filter{}); err != nil {
		t.Fatalf("first register: %v", err)
	}

	// "a" inserts fine before "b" collides; the rollback must remove it.
	if err := r.RegisterUpstream("beta", caps("a", "b"), Filter{}); err == nil {
		t.Fatal("expected a collision error")
	}
	if _, _, ok := r.ResolveTool("a"); ok {
		t.Error("partial registration survived the rollback")
	}
}

func TestIncludeExcludeFilter(t *testing.T) {
	r := NewRegistry(Naming{Strategy: StrategyAlias})
	filter := Filter{
		Include: []string{"echo", "search", "delete"},
		Exclude: []string{"delete"},
	}
	if err := r.RegisterUpstream("gh", caps("echo", "search", "delete", "other"), filter); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, _, ok := r.ResolveTool("gh_echo"); !ok {
		t.Error("included tool missing")
	}
	if _, _, ok := r.ResolveTool("gh_delete"); ok {
		t.Error("excluded tool registered")
	}
	if _, _, ok := r.ResolveTool("gh_other"); ok {
		t.Error("tool outside include list registered")
	}
}

func TestAliasesOverrideStrategy(t *testing.T) {
	r := NewRegistry(Naming{Strategy: StrategyNamespace})
	filter := Filter{Aliases: map[string]string{"echo": "say"}}
	if err := r.RegisterUpstream("gh", caps("echo", "search"), filter); err != nil {
		t.Fatalf("register: %v", err)
	}

	if id, name, ok := r.ResolveTool("say"); !ok || id != "gh" || name != "echo" {
		t.Errorf("alias resolved to (%q, %q, %v), want (gh, echo, true)", id, name, ok)
	}
	if _, _, ok := r.ResolveTool("echo_gh"); ok {
		t.Error("aliased tool still reachable under generated name")
	}
	if _, _, ok := r.ResolveTool("search_gh"); !ok {
		t.Error("non-aliased tool lost its generated name")
	}
}

func TestPrefixOverride(t *testing.T) {
	r := NewRegistry(Naming{Strategy: StrategyAlias})
	if err := r.RegisterUpstream("github-enterprise", caps("echo"), Filter{Prefix: "gh"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, name, ok := r.ResolveTool("gh_echo")
	if !ok || id != "github-enterprise" || name != "echo" {
		t.Errorf("resolved (%q, %q, %v), want (github-enterprise, echo, true)", id, name, ok)
	}
}

func TestListOrderDeterministic(t *testing.T) {
	r := NewRegistry(Naming{Strategy: StrategyAlias})
	if err := r.RegisterUpstream("zeta", caps("b", "a"), Filter{}); err != nil {
		t.Fatalf("register zeta: %v", err)
	}
	if err := r.RegisterUpstream("alpha", caps("z", "y"), Filter{}); err != nil {
		t.Fatalf("register alpha: %v", err)
	}

	var got []string
	for _, tool := range r.ListAllTools() {
		got = append(got, tool.Name)
	}
	want := []string{"alpha_y", "alpha_z", "zeta_a", "zeta_b"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("list order = %v, want %v", got, want)
	}
}

func TestUnregisterUpstream(t *testing.T) {
	r := NewRegistry(Naming{})
	if err := r.RegisterUpstream("gh", caps("echo"), Filter{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rev := r.Revision()
	r.UnregisterUpstream("gh")
	if _, _, ok := r.ResolveTool("echo_gh"); ok {
		t.Error("unregistered tool still resolves")
	}
	if r.Revision() == rev {
		t.Error("unregister did not bump the revision")
	}

	rev = r.Revision()
	r.UnregisterUpstream("unknown")
	if r.Revision() != rev {
		t.Error("no-op unregister bumped the revision")
	}
}

func TestReregisterReplacesListing(t *testing.T) {
	r := NewRegistry(Naming{Strategy: StrategyAlias})
	if err := r.RegisterUpstream("gh", caps("old", "kept"), Filter{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterUpstream("gh", caps("kept", "new"), Filter{}); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if _, _, ok := r.ResolveTool("gh_old"); ok {
		t.Error("stale tool survived re-registration")
	}
	if _, _, ok := r.ResolveTool("gh_new"); !ok {
		t.Error("new tool missing after re-registration")
	}
}

func TestResourceNamespacing(t *testing.T) {
	r := NewRegistry(Naming{Strategy: StrategyNamespace})
	c := &mcp.Capabilities{
		Resources: []mcp.Resource{{URI: "file:///data/readme.md"}},
	}
	if err := r.RegisterUpstream("fs", c, Filter{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Resource URIs are always id-prefixed, even under namespace strategy.
	id, uri, ok := r.ResolveResource("fs_file:///data/readme.md")
	if !ok || id != "fs" || uri != "file:///data/readme.md" {
		t.Errorf("resolved (%q, %q, %v)", id, uri, ok)
	}
}

func TestPromptNamespacing(t *testing.T) {
	r := NewRegistry(Naming{Strategy: StrategyAlias})
	c := &mcp.Capabilities{Prompts: []mcp.Prompt{{Name: "summarize"}}}
	if err := r.RegisterUpstream("llm", c, Filter{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, name, ok := r.ResolvePrompt("llm_summarize")
	if !ok || id != "llm" || name != "summarize" {
		t.Errorf("resolved (%q, %q, %v)", id, name, ok)
	}
}

func TestNameBounds(t *testing.T) {
	r := NewRegistry(Naming{})
	long := strings.Repeat("x", NameMaxLength+1)
	err := r.RegisterUpstream("gh", caps(long), Filter{})
	if err == nil {
		t.Fatal("expected bounds error")
	}
	if proxy.KindOf(err) != proxy.KindConfig {
		t.Errorf("bounds error kind = %v, want CONFIG_ERROR", proxy.KindOf(err))
	}
}

func TestCheckBounds(t *testing.T) {
	cases := []struct {
		id, name string
		wantErr  bool
	}{
		{"gh", "search", false},
		{"", "search", true},
		{strings.Repeat("i", IDMaxLength+1), "search", true},
		{strings.Repeat("i", IDMaxLength), "search", false},
		{"gh", "", true},
		{"gh", strings.Repeat("n", NameMaxLength+1), true},
	}
	for _, tc := range cases {
		err := CheckBounds(tc.id, tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("CheckBounds(%.8q, %.8q) = %v, wantErr %v", tc.id, tc.name, err, tc.wantErr)
		}
	}
}

func TestParseCacheInvalidatedOnMutation(t *testing.T) {
	r := NewRegistry(Naming{Strategy: StrategyAlias})
	if err := r.RegisterUpstream("gh", caps("echo"), Filter{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Warm the memoized parse path, then mutate and verify it is gone.
	if _, _, ok := r.ResolveTool("gh_echo"); !ok {
		t.Fatal("warm resolve failed")
	}
	r.UnregisterUpstream("gh")
	if _, _, ok := r.ResolveTool("gh_echo"); ok {
		t.Error("stale memoized parse survived unregistration")
	}
}

func TestParseCacheEviction(t *testing.T) {
	c := newParseCache(2)
	c.put("a", parsed{upstreamID: "u", original: "a"})
	c.put("b", parsed{upstreamID: "u", original: "b"})
	c.put("c", parsed{upstreamID: "u", original: "c"})

	if _, ok := c.get("a"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("newest entry evicted")
	}
}
