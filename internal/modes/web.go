package modes

const planPagesSystemPrompt = `You are a technical writer planning a content update for a static site. The
site sources live in the working directory. Plan before you touch anything.`

const planPagesInstruction = `Plan the content change described in the task. Write PLAN.md listing the
pages to add or edit, the outline of each, and the assets they need. Do not
edit any page yet.`

const writePagesSystemPrompt = `You are a technical writer executing PLAN.md. Match the voice and structure
of the existing pages. Keep front matter and internal links valid.`

const writePagesInstruction = `Execute PLAN.md: create and edit the pages it lists. Verify every internal
link you add points at a file that exists.`

const writePagesErrorInstruction = `The previous content pass was rejected:

{ERROR}

Fix the rejection and bring the pages in line with PLAN.md.`

// Web drives static-site content work in a worktree with a commit per
// phase, but no test suite and no pull request.
var Web = &Mode{
	Name:  "web",
	Label: "Web content",

	UsesWorktrees: true,
	UsesSandbox:   true,
	UsesVCS:       true,

	DefaultMaxAttempts: 2,
	InitialStatus:      "triage",

	Phases: []Phase{
		{
			Name:     "triage",
			Label:    "Triage",
			Role:     RoleSetup,
			Priority: 40,
			Next:     "plan",
		},
		{
			Name:         "plan",
			Label:        "Plan",
			Role:         RoleAgent,
			Priority:     20,
			SystemPrompt: planPagesSystemPrompt,
			Instruction:  planPagesInstruction,
			AllowedTools: []string{"read", "grep", "glob", "write"},
			UseSandbox:   true,
			FreshSession: true,

			IncludeTaskContext: true,
			IncludeFileListing: true,

			CheckArtifact: "PLAN.md",
			Commits:       true,
			CommitMessage: "Add content plan",

			Next: "write",
		},
		{
			Name:             "write",
			Label:            "Write",
			Role:             RoleAgent,
			Priority:         15,
			SystemPrompt:     writePagesSystemPrompt,
			Instruction:      writePagesInstruction,
			ErrorInstruction: writePagesErrorInstruction,
			AllowedTools:     []string{"read", "grep", "glob", "write", "edit"},
			UseSandbox:       true,

			Commits:       true,
			CommitMessage: "Write planned pages",

			Next: "done",
		},
		{
			Name:     "retry",
			Label:    "Retry fix-up",
			Role:     RoleSetup,
			Priority: 30,
			Next:     "triage",
		},
	},
}
