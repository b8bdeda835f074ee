package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("cursorflow run", func() {
	var tmpDir, originDir, repoDir, tasksDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "cursorflow-test-*")
		Expect(err).NotTo(HaveOccurred())

		originDir = filepath.Join(tmpDir, "origin.git")
		runGit(tmpDir, "init", "--bare", originDir)

		repoDir = filepath.Join(tmpDir, "repo")
		runGit(tmpDir, "clone", originDir, repoDir)
	})

	commit := func() {
		cmd := exec.Command("git", "checkout", "-b", "main")
		cmd.Dir = repoDir
		Expect(cmd.Run()).To(Succeed())
		writeFile(filepath.Join(repoDir, "README.md"), "hello\n")
		runGit(repoDir, "add", "README.md")
		runGit(repoDir, "commit", "-m", "initial commit")
		runGit(repoDir, "push", "-u", "origin", "main")
	}

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("runs a single lane with two sequential tasks to completion", func() {
		commit()

		tasksDir = filepath.Join(tmpDir, "tasks")
		writeFile(filepath.Join(tasksDir, "backend.yaml"), `
tasks:
  - name: a
    prompt: "do A"
  - name: b
    prompt: "do B"
`)

		cmd := exec.Command(binaryPath, "run", tasksDir, "--agent-command", fakeAgentPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		branches := runGitOutput(repoDir, "ls-remote", "--heads", originDir)
		Expect(branches).To(ContainSubstring("refs/heads/backend"))
		Expect(branches).NotTo(ContainSubstring("--01-a"))
		Expect(branches).NotTo(ContainSubstring("--02-b"))
	})

	It("blocks with exit code 2 when the agent requests a dependency change it isn't allowed to make", func() {
		commit()

		tasksDir = filepath.Join(tmpDir, "tasks")
		writeFile(filepath.Join(tasksDir, "backend.yaml"), `
dependencyPolicy:
  allowDependencyChange: false
tasks:
  - name: a
    prompt: "do A"
`)

		blockingAgent := filepath.Join(tmpDir, "blocking-agent.sh")
		writeFile(blockingAgent, `#!/bin/sh
if [ "$1" = "create-chat" ]; then
  echo "chat-fixed-id"
  exit 0
fi
cat > /dev/null
echo '{"type":"result","session_id":"chat-fixed-id","is_error":false,"result":"DEPENDENCY_CHANGE_REQUIRED {\"reason\":\"need left-pad\",\"changes\":[\"left-pad@1.0.0\"]}"}'
`)
		Expect(os.Chmod(blockingAgent, 0755)).To(Succeed())

		cmd := exec.Command(binaryPath, "run", tasksDir, "--agent-command", blockingAgent)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()

		exitErr, ok := err.(*exec.ExitError)
		Expect(ok).To(BeTrue(), "expected a non-zero exit, output: %s", string(output))
		Expect(exitErr.ExitCode()).To(Equal(2))
	})
})
