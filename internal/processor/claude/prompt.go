package claude

import (
	"fmt"
	"strings"

	"github.com/papapumpkin/accretion/internal/processor"
)

const outputContract = `Respond with a single JSON object and nothing else:
{"artifact": "<the full updated specification document>",
 "log_entry": "<one paragraph describing what this change added or altered>",
 "commit_summary": "<a one-line summary for the derived commit>"}`

// stepPrompt renders one commit's worth of context for the model.
func stepPrompt(req processor.StepRequest) string {
	var b strings.Builder
	b.WriteString("You maintain a specification document derived from a repository's commit history.\n")
	b.WriteString("Update the document to reflect the commit below. Keep everything still true; revise what the commit changes.\n\n")

	if len(req.RecentSummaries) > 0 {
		b.WriteString("Recent commits:\n")
		for _, s := range req.RecentSummaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Current commit %s: %s\n\n", req.CommitID, req.CommitSummary)
	if req.CommitMessage != "" && req.CommitMessage != req.CommitSummary {
		fmt.Fprintf(&b, "Full message:\n%s\n\n", req.CommitMessage)
	}
	fmt.Fprintf(&b, "Changes:\n%s\n\n", req.Changes)

	if req.PriorArtifact == "" {
		b.WriteString("There is no prior document; write the first version.\n\n")
	} else {
		fmt.Fprintf(&b, "Current document:\n%s\n\n", req.PriorArtifact)
	}
	if req.PriorLog != "" {
		fmt.Fprintf(&b, "Derivation log so far:\n%s\n\n", req.PriorLog)
	}

	b.WriteString(outputContract)
	return b.String()
}

// reconcilePrompt renders a merge: both line-of-development documents plus
// the merge commit's own changes.
func reconcilePrompt(req processor.ReconcileRequest) string {
	var b strings.Builder
	b.WriteString("Two lines of development of the same derived specification document are being merged.\n")
	b.WriteString("Produce one unified document that reflects both, plus the merge commit's own changes.\n\n")

	fmt.Fprintf(&b, "Merge commit %s: %s\n\nChanges:\n%s\n\n", req.MergeID, req.MergeSummary, req.Changes)
	fmt.Fprintf(&b, "Mainline document:\n%s\n\nMainline log:\n%s\n\n", req.TrunkArtifact, req.TrunkLog)
	fmt.Fprintf(&b, "Branch document:\n%s\n\nBranch log:\n%s\n\n", req.BranchArtifact, req.BranchLog)

	b.WriteString(outputContract)
	return b.String()
}
