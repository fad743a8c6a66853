package modes

const researchSystemPrompt = `You are a legal researcher. You work from the task description and the
reference material in the working directory. Cite sources for every claim
and flag anything you could not verify.`

const researchInstruction = `Research the legal question in the task above. Write your findings to
RESEARCH.md: the applicable rules, the relevant precedents with citations,
and the open risks. Do not draft the document yet.`

const draftSystemPrompt = `You are a legal drafter. RESEARCH.md holds the verified findings for this
task. Draft in plain language, keep defined terms consistent, and never
introduce a claim that RESEARCH.md does not support.`

const draftInstruction = `Draft the requested document to DRAFT.md, grounded in RESEARCH.md. Mark
every open decision with [TBD: reason] rather than guessing.`

const reviewSystemPrompt = `You are a reviewing attorney. Check DRAFT.md against RESEARCH.md and the
task requirements. You may edit the draft directly.`

const reviewInstruction = `Review DRAFT.md. Fix inconsistencies, resolve [TBD] markers you can resolve
from RESEARCH.md, and write the remaining blockers to REVIEW.md. An empty
blocker list means the draft is ready.`

const reviewErrorInstruction = `The previous review pass was rejected:

{ERROR}

Address the rejection and review the draft again.`

// Legal drives document work: research, draft, review. No worktrees, no
// tests, no version control; artifacts live in the task's working directory.
var Legal = &Mode{
	Name:  "legal",
	Label: "Legal drafting",

	UsesSandbox: true,

	DefaultMaxAttempts: 2,
	InitialStatus:      "intake",

	Phases: []Phase{
		{
			Name:     "intake",
			Label:    "Intake",
			Role:     RoleSetup,
			Priority: 50,
			Next:     "research",
		},
		{
			Name:         "research",
			Label:        "Research",
			Role:         RoleAgent,
			Priority:     30,
			SystemPrompt: researchSystemPrompt,
			Instruction:  researchInstruction,
			AllowedTools: []string{"read", "grep", "glob", "write"},
			UseSandbox:   true,
			FreshSession: true,

			IncludeTaskContext: true,

			CheckArtifact: "RESEARCH.md",
			Next:          "draft",
		},
		{
			Name:         "draft",
			Label:        "Draft",
			Role:         RoleAgent,
			Priority:     20,
			SystemPrompt: draftSystemPrompt,
			Instruction:  draftInstruction,
			AllowedTools: []string{"read", "write"},
			UseSandbox:   true,

			CheckArtifact: "DRAFT.md",
			Next:          "review",
		},
		{
			Name:             "review",
			Label:            "Review",
			Role:             RoleAgent,
			Priority:         10,
			SystemPrompt:     reviewSystemPrompt,
			Instruction:      reviewInstruction,
			ErrorInstruction: reviewErrorInstruction,
			AllowedTools:     []string{"read", "write", "edit"},
			UseSandbox:       true,

			CheckArtifact: "REVIEW.md",
			Next:          "done",
		},
		{
			Name:     "retry",
			Label:    "Retry fix-up",
			Role:     RoleSetup,
			Priority: 40,
			Next:     "intake",
		},
	},
}
