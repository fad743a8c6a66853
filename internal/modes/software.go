package modes

const specSystemPrompt = `You are a senior software engineer preparing an implementation specification.
You work inside a git worktree dedicated to a single task. Study the existing
code before writing anything. Be precise: name files, functions and data
structures. Do not implement the task itself.`

const specInstruction = `Analyze the task above and write an implementation specification to SPEC.md
in the repository root. The specification must cover:

1. What changes, file by file.
2. New types and functions with their signatures.
3. Edge cases and failure behavior.
4. How the change will be verified.

Keep it short enough to act on. SPEC.md is the only file you create.`

const specErrorInstruction = `The previous attempt to produce SPEC.md failed:

{ERROR}

Re-read the task, fix the problem and write a complete SPEC.md.`

const qaSystemPrompt = `You are a quality engineer writing acceptance tests before the implementation
exists. The tests must encode the task requirements, not the current behavior.
They are expected to fail until the implementation phase lands.`

const qaInstruction = `Using SPEC.md as the contract, write acceptance tests for this task. Place
them beside the code they exercise following the repository's existing test
conventions. Cover the main flow and each edge case the specification names.
Do not modify non-test files.`

const implSystemPrompt = `You are a senior software engineer implementing a specified change. SPEC.md
describes what to build and the acceptance tests define done. Make the tests
pass without weakening them. Follow the conventions of the surrounding code.`

const implInstruction = `Implement the task following SPEC.md. The acceptance tests written in the
previous phase must pass. Run the project's test command yourself before
finishing and fix whatever it reports. Do not edit the acceptance tests
unless they contradict SPEC.md.`

const implErrorInstruction = `The implementation was rejected:

{ERROR}

Fix the reported problem. Re-run the tests before finishing.`

const qaFixSystemPrompt = `You are a quality engineer repairing a broken acceptance test. The test
failure below was classified as a defect in the tests themselves, not in the
implementation. Correct the tests so they encode SPEC.md faithfully.`

const qaFixInstruction = `The acceptance tests are failing and the failure was classified as a defect
in the tests themselves. Repair the offending tests so they encode SPEC.md
faithfully. Only touch test files. If a test turns out to be correct and the
failure is real, leave it in place and say so in your final message.`

const qaFixErrorInstruction = `The failing output:

{ERROR}`

// Software is the default mode: specification, acceptance tests,
// implementation, pull request.
var Software = &Mode{
	Name:  "software",
	Label: "Software engineering",

	UsesWorktrees: true,
	UsesSandbox:   true,
	UsesTests:     true,
	UsesVCS:       true,

	DefaultMaxAttempts: 3,
	InitialStatus:      "backlog",

	Phases: []Phase{
		{
			Name:     "backlog",
			Label:    "Backlog",
			Role:     RoleSetup,
			Priority: 70,
			Next:     "spec",
		},
		{
			Name:             "spec",
			Label:            "Specification",
			Role:             RoleAgent,
			Priority:         50,
			SystemPrompt:     specSystemPrompt,
			Instruction:      specInstruction,
			ErrorInstruction: specErrorInstruction,
			AllowedTools:     []string{"read", "grep", "glob", "write"},
			UseSandbox:       true,
			FreshSession:     true,

			IncludeTaskContext: true,
			IncludeFileListing: true,

			CheckArtifact: "SPEC.md",
			Commits:       true,
			CommitMessage: "Add task specification",

			Next: "qa",
		},
		{
			Name:         "qa",
			Label:        "Acceptance tests",
			Role:         RoleAgent,
			Priority:     30,
			SystemPrompt: qaSystemPrompt,
			Instruction:  qaInstruction,
			AllowedTools: []string{"read", "grep", "glob", "write", "edit", "bash"},
			UseSandbox:   true,

			Commits:       true,
			CommitMessage: "Add acceptance tests",

			Next: "impl",
		},
		{
			Name:             "impl",
			Label:            "Implementation",
			Role:             RoleAgent,
			Priority:         10,
			SystemPrompt:     implSystemPrompt,
			Instruction:      implInstruction,
			ErrorInstruction: implErrorInstruction,
			AllowedTools:     []string{"read", "grep", "glob", "write", "edit", "bash"},
			UseSandbox:       true,

			Commits:         true,
			CommitMessage:   "Implement task",
			RunsTests:       true,
			HasQAFixRouting: true,
			OpensPR:         true,

			Next: "done",
		},
		{
			Name:             "qa_fix",
			Label:            "Test repair",
			Role:             RoleAgent,
			Priority:         20,
			SystemPrompt:     qaFixSystemPrompt,
			Instruction:      qaFixInstruction,
			ErrorInstruction: qaFixErrorInstruction,
			AllowedTools:     []string{"read", "grep", "glob", "write", "edit", "bash"},
			UseSandbox:       true,

			Commits:        true,
			CommitMessage:  "Repair acceptance tests",
			AllowNoChanges: true,

			Next: "impl",
		},
		{
			Name:     "retry",
			Label:    "Retry fix-up",
			Role:     RoleSetup,
			Priority: 60,
			Next:     "backlog",
		},
		{
			Name:       "rebase",
			Label:      "Branch rebase",
			Role:       RoleRebase,
			Priority:   40,
			RebaseBase: "main",
			Next:       "merged",
		},
	},
}
