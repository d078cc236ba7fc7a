package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeEnvFile(t, `
# comment
VOICEGATE_TEST_PLAIN=hello
export VOICEGATE_TEST_EXPORTED=world
VOICEGATE_TEST_QUOTED="with spaces"
VOICEGATE_TEST_SINGLE='single quoted'

not-a-pair
=no-key
`)

	for _, key := range []string{
		"VOICEGATE_TEST_PLAIN",
		"VOICEGATE_TEST_EXPORTED",
		"VOICEGATE_TEST_QUOTED",
		"VOICEGATE_TEST_SINGLE",
	} {
		os.Unsetenv(key)
		t.Cleanup(func() { os.Unsetenv(key) })
	}

	if err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	tests := []struct{ key, want string }{
		{"VOICEGATE_TEST_PLAIN", "hello"},
		{"VOICEGATE_TEST_EXPORTED", "world"},
		{"VOICEGATE_TEST_QUOTED", "with spaces"},
		{"VOICEGATE_TEST_SINGLE", "single quoted"},
	}
	for _, tt := range tests {
		if got := os.Getenv(tt.key); got != tt.want {
			t.Fatalf("%s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestLoadFilePreservesExistingEnv(t *testing.T) {
	path := writeEnvFile(t, "VOICEGATE_TEST_EXISTING=from_file\n")
	t.Setenv("VOICEGATE_TEST_EXISTING", "from_env")

	if err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := os.Getenv("VOICEGATE_TEST_EXISTING"); got != "from_env" {
		t.Fatalf("existing env overwritten: %q", got)
	}
}

func TestLoadFileMissingIsNoError(t *testing.T) {
	if err := LoadFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadFile on missing file = %v, want nil", err)
	}
}
