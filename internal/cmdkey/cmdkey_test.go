package cmdkey

import (
	"reflect"
	"testing"
)

func TestDerive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		title   string
		command string
		want    string
	}{
		{"plain shell command", "Shell", "git status", "shell:git"},
		{"absolute path head", "Shell", "/usr/bin/git log", "shell:git"},
		{"npm run script", "Shell", "npm run build", "npm:run:build"},
		{"npm subcommand", "Shell", "npm install", "npm:install"},
		{"npx tool", "Shell", "npx prettier --write .", "npx:prettier"},
		{"pnpm", "Shell", "pnpm test", "pnpm:test"},
		{"yarn", "Shell", "yarn lint", "yarn:lint"},
		{"bare python3", "Shell", "python3", "python3"},
		{"bare node", "Shell", "node", "node"},
		{"manage log helper", "Shell", "python3 manage_log.py --api-mode execute", "python3:manage_log"},
		{"manage context helper", "Shell", "python3 manage_context.py --api-mode execute", "python3:manage_context"},
		{"notify helper", "Shell", "python3 notify_tool.py send", "python3:notify_tool"},
		{"helper via plain python", "Shell", "python manage_log.py", "python3:manage_log"},
		{"other python script", "Shell", "python3 train.py --epochs 3", "shell:python3"},
		{"sudo prefix skipped", "Shell", "sudo systemctl restart nginx", "shell:systemctl"},
		{"env assignment skipped", "Shell", "FOO=bar BAZ=1 make all", "shell:make"},
		{"env command skipped", "Shell", "env FOO=bar ls", "shell:ls"},
		{"bash dash c unwrapped", "Shell", `bash -c "npm run dev"`, "npm:run:dev"},
		{"truncates at and-and", "Shell", "git add . && git commit", "shell:git"},
		{"truncates at pipe", "Shell", "cat file | grep x", "shell:cat"},
		{"truncates at semicolon", "Shell", "cd /tmp; rm -rf x", "shell:cd"},
		{"embedded operator splits", "Shell", "echo hi&&rm x", "shell:echo"},
		{"empty command falls back to title", "WriteFile: notes.md", "", "writefile"},
		{"empty everything", "", "", "unknown"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Derive(tc.title, tc.command)
			if got != tc.want {
				t.Fatalf("Derive(%q, %q) = %q, want %q", tc.title, tc.command, got, tc.want)
			}
		})
	}
}

func TestDeriveIsStableAcrossEquivalentInvocations(t *testing.T) {
	t.Parallel()

	a := Derive("Shell", "npm run build")
	b := Derive("Shell", `bash -c "npm run build && echo done"`)
	if a != b {
		t.Fatalf("equivalent invocations derived different keys: %q vs %q", a, b)
	}
}

func TestSplitCommandLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{`git commit -m "hello world"`, []string{"git", "commit", "-m", "hello world"}},
		{`echo 'a b' c`, []string{"echo", "a b", "c"}},
		{`a&&b`, []string{"a", "&&", "b"}},
		{`a || b`, []string{"a", "||", "b"}},
		{`echo \"x\"`, []string{"echo", `"x"`}},
		{``, nil},
	}

	for _, tc := range tests {
		got := splitCommandLine(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("splitCommandLine(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}
