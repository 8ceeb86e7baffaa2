package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/scheduler"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/tasks"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "compute-similarities":
		return runCompute("compute-similarities", scheduler.JobSimilarities, args[1:])
	case "compute-groups":
		return runCompute("compute-groups", scheduler.JobGroups, args[1:])
	case "compute-all":
		return runCompute("compute-all", tasks.TypeEventGroups, args[1:])
	case "groups":
		return runGroups(args[1:])
	case "cleanup":
		return runCleanup(args[1:])
	case "detect-duplicates":
		return runDetectDuplicates(args[1:])
	case "estimate":
		return runEstimate(args[1:])
	case "tasks":
		return runTasks(args[1:])
	case "force-complete":
		return runForceComplete(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "dailydigest CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  dailydigest <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health                Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  compute-similarities  Score news pairs in the window and store same-event edges")
	fmt.Fprintln(os.Stderr, "  compute-groups        Rebuild event groups from stored similarities")
	fmt.Fprintln(os.Stderr, "  compute-all           Similarities, groups, cleanup and cache warm-up in one run")
	fmt.Fprintln(os.Stderr, "  groups                Print event groups for a filter")
	fmt.Fprintln(os.Stderr, "  cleanup               Remove old similarities, groups and cache rows")
	fmt.Fprintln(os.Stderr, "  detect-duplicates     Check a digest's items against previous digests")
	fmt.Fprintln(os.Stderr, "  estimate              Estimate duplicate detection time for a digest")
	fmt.Fprintln(os.Stderr, "  tasks                 List task executions")
	fmt.Fprintln(os.Stderr, "  force-complete        Mark every running task as failed")
	fmt.Fprintln(os.Stderr, "  serve                 Start the scheduler and Echo API server")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"dailydigest <command> -h\" for command-specific flags.")
}
