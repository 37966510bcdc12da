package cli_test

import (
	"testing"

	"github.com/bvc-project/bvc/internal/cli"
)

func TestHelp_ListsEveryCommand(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("--help")

	for _, name := range []string{"init", "add", "commit", "log", "status", "restore", "lock", "queue", "config"} {
		cli.AssertContains(t, stdout, name)
	}
}

func TestUnknownCommand_Fails(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("bogus")

	cli.AssertContains(t, stderr, "unknown command")
}

func TestConfigCommand_PrintsResolvedJSON(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("config")

	cli.AssertContains(t, stdout, `"remote"`)
	cli.AssertContains(t, stdout, `"backend_path"`)
}

func TestCommitCommand_RequiresMessage(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("commit")

	cli.AssertContains(t, stderr, "message")
}

func TestRestoreCommand_RequiresRef(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("restore")

	cli.AssertContains(t, stderr, "ref")
}

func TestLockBreak_RefusesWithoutForce(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("lock", "break")

	cli.AssertContains(t, stderr, "force")
}

func TestLockRelease_RequiresPriorAcquire(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("lock", "release")

	cli.AssertContains(t, stderr, "lock id")
}

func TestQueueStatus_ReportsEmptyQueue(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("queue", "status")

	cli.AssertContains(t, stdout, "Total: 0")
}

func TestQueueRemove_RequiresID(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("queue", "remove")

	cli.AssertContains(t, stderr, "id")
}
