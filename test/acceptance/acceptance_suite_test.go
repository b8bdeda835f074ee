package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var binaryPath string
var fakeAgentPath string

func TestAcceptance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Acceptance Suite")
}

var _ = BeforeSuite(func() {
	_, thisFile, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(thisFile), "..", "..")

	binaryPath = filepath.Join(projectRoot, "bin", "cursorflow-test")
	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/cursorflow")
	cmd.Dir = projectRoot
	cmd.Env = append(cmd.Environ(), "CGO_ENABLED=0")
	output, err := cmd.CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), "failed to build binary: %s", string(output))

	fakeAgentPath = filepath.Join(projectRoot, "bin", "fake-agent.sh")
	Expect(os.WriteFile(fakeAgentPath, []byte(fakeAgentScript), 0755)).To(Succeed())
})

func runGit(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
}

func runGitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
	return string(out)
}

func writeFile(path, content string) {
	Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
	Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
}

func cleanupTestRepo(repoDir, tmpDir string) {
	exec.Command("git", "-C", repoDir, "worktree", "prune").Run()
	os.RemoveAll(tmpDir)
}

// fakeAgentScript stands in for the real cursor-agent CLI: "create-chat"
// prints a chat id, and a resumed send commits a marker file, pushes the
// current branch, and prints the {type:"result"} line the agent protocol
// expects on its last line of stdout.
const fakeAgentScript = `#!/bin/sh
set -e

if [ "$1" = "create-chat" ]; then
  echo "chat-fixed-id"
  exit 0
fi

# Drain the piped prompt (unused by the fake, but mirrors the real CLI).
cat > /dev/null

branch=$(git rev-parse --abbrev-ref HEAD)
marker="task-$(echo "$branch" | tr '/' '-').txt"
echo "done: $branch" > "$marker"
git add "$marker"
git commit -m "fake-agent: $branch" --quiet
git push --set-upstream origin "$branch" --quiet 2>/dev/null || true

echo '{"type":"result","session_id":"chat-fixed-id","is_error":false,"result":"ok"}'
`
