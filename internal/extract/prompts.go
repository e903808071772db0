package extract

// factExtractionPrompt asks for atomic facts worth keeping long term.
const factExtractionPrompt = `Extract atomic facts worth remembering from this conversation.
Focus on: decisions made, preferences expressed, bugs found + root causes + fixes,
architectural choices, tool/library selections, project conventions.
Output a JSON array, one fact per element. Each element is either a string or
an object {"category": "decision"|"learning"|"detail", "text": "..."}.
Each fact should be self-contained and understandable without the conversation.
If nothing worth storing, output [].`

// factExtractionPromptAggressive is used for the pre_compact context, where
// the conversation is about to be lost and recall beats precision.
const factExtractionPromptAggressive = `Extract ALL potentially useful facts from this conversation.
This context is about to be lost, so be thorough. Include:
- Decisions made, preferences expressed
- Bugs found + root causes + fixes
- Architectural choices, tool/library selections
- Project conventions, file paths mentioned
- Any technical detail that might be useful later
Output a JSON array, one fact per element. Each element is either a string or
an object {"category": "decision"|"learning"|"detail", "text": "..."}.
Each fact should be self-contained and understandable without the conversation.
If nothing worth storing, output [].`

// audnSystemPrompt pins the reconcile stage to machine-readable output.
const audnSystemPrompt = `You are a memory manager. Output only valid JSON.`

// audnPromptTemplate presents new facts with their nearest existing
// memories and asks for one decision per fact. Filled with facts JSON and
// the per-fact neighbour JSON.
const audnPromptTemplate = `You are a memory manager. For each new fact, decide what to do given
the existing similar memories.

Actions:
- ADD: No similar memory exists. Store as new.
- UPDATE: An existing memory covers the same topic but the information
  has changed. Provide old_id and new_text that replaces it.
- DELETE: An existing memory is now contradicted or obsolete. Provide old_id.
- NOOP: The fact is already captured by an existing memory. Provide existing_id.

New facts:
%s

Existing similar memories (per fact):
%s

Output a JSON array of decisions. Each decision must have:
- "action": "ADD" | "UPDATE" | "DELETE" | "NOOP"
- "fact_index": index of the fact in the input array
- For UPDATE: "old_id" (int) and "new_text" (string)
- For DELETE: "old_id" (int)
- For NOOP: "existing_id" (int)`

// extractionSystem returns the stage-1 system prompt for a job context.
func extractionSystem(jobContext string) string {
	if jobContext == "pre_compact" {
		return factExtractionPromptAggressive
	}
	return factExtractionPrompt
}
