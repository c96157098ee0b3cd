package tmux

import (
	"context"
	"testing"
)

func TestSocketName(t *testing.T) {
	if SocketName != "splitmind" {
		t.Errorf("SocketName = %q, want %q", SocketName, "splitmind")
	}
}

func TestCommand(t *testing.T) {
	cmd := Command("list-sessions")
	args := cmd.Args

	if len(args) < 4 {
		t.Fatalf("Expected at least 4 args, got %d: %v", len(args), args)
	}

	if args[0] != "tmux" {
		t.Errorf("args[0] = %q, want %q", args[0], "tmux")
	}
	if args[1] != "-L" {
		t.Errorf("args[1] = %q, want %q", args[1], "-L")
	}
	if args[2] != SocketName {
		t.Errorf("args[2] = %q, want %q", args[2], SocketName)
	}
	if args[3] != "list-sessions" {
		t.Errorf("args[3] = %q, want %q", args[3], "list-sessions")
	}
}

func TestCommandContextWithSocket(t *testing.T) {
	ctx := context.Background()
	cmd := CommandContextWithSocket(ctx, "splitmind-myapp", "has-session", "-t", "s1")
	args := cmd.Args

	expected := []string{"tmux", "-L", "splitmind-myapp", "has-session", "-t", "s1"}
	if len(args) != len(expected) {
		t.Fatalf("len(args) = %d, want %d: %v", len(args), len(expected), args)
	}
	for i, want := range expected {
		if args[i] != want {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want)
		}
	}
}

func TestProjectSocketName(t *testing.T) {
	got := ProjectSocketName("myapp")
	if got != "splitmind-myapp" {
		t.Errorf("ProjectSocketName = %q, want %q", got, "splitmind-myapp")
	}
}

func TestIsProjectSocket(t *testing.T) {
	tests := []struct {
		socket string
		want   bool
	}{
		{"splitmind-myapp", true},
		{"splitmind", false},
		{"tmux-default", false},
		{"splitmind-", true},
	}
	for _, tt := range tests {
		if got := IsProjectSocket(tt.socket); got != tt.want {
			t.Errorf("IsProjectSocket(%q) = %v, want %v", tt.socket, got, tt.want)
		}
	}
}

func TestExtractProject(t *testing.T) {
	tests := []struct {
		socket string
		want   string
	}{
		{"splitmind-myapp", "myapp"},
		{"splitmind-my-app", "my-app"},
		{"splitmind", ""},
		{"other", ""},
	}
	for _, tt := range tests {
		if got := ExtractProject(tt.socket); got != tt.want {
			t.Errorf("ExtractProject(%q) = %q, want %q", tt.socket, got, tt.want)
		}
	}
}

func TestAttachCommand(t *testing.T) {
	got := AttachCommand("splitmind-myapp", "myapp-auth")
	want := "tmux -L splitmind-myapp attach -t myapp-auth"
	if got != want {
		t.Errorf("AttachCommand = %q, want %q", got, want)
	}
}
