package judge

// singleSystemPrompt is the system message for single-document scoring.
const singleSystemPrompt = `You are a strict, consistent evaluator of generated documents. You score one dimension at a time against a rubric. You never inflate scores and you justify every score from the text itself.`

// singleUserTemplate is the user message for single-document scoring.
// %s = dimension name, %s = rubric, %s = artifact content, %s = output contract.
const singleUserTemplate = `Evaluate the following artifact on the dimension **%s**.

## Rubric
%s

## Artifact
=== ARTIFACT START ===
%s
=== ARTIFACT END ===

%s`

// singleOutputContract is the strict response format for scoring. The parser
// rejects anything that deviates.
const singleOutputContract = `## Output Format
Respond in exactly this format and nothing else:
SCORE: <integer 1-5>
RATIONALE: <2-5 sentences quoting or referencing the artifact>`

// singleReformatPrompt nudges a judge whose reply did not match the contract.
// %s = output contract.
const singleReformatPrompt = `Your previous response did not match the required format. Do not re-evaluate; restate your verdict in exactly this format:

%s`

// pairwiseSystemPrompt is the system message for pairwise comparison.
const pairwiseSystemPrompt = `You are a strict, consistent evaluator comparing two generated documents for the same task. You judge which document serves the reader better overall. Position in the prompt carries no information; never prefer a document for coming first or second.`

// pairwiseUserTemplate is the user message for pairwise comparison.
// %s = artifact A content, %s = artifact B content, %s = output contract.
const pairwiseUserTemplate = `Compare the two artifacts below. Declare a tie only when neither document would be preferred by a careful reader; otherwise pick the better one, however small the margin.

## Artifact A
=== ARTIFACT A START ===
%s
=== ARTIFACT A END ===

## Artifact B
=== ARTIFACT B START ===
%s
=== ARTIFACT B END ===

%s`

// pairwiseOutputContract is the strict response format for comparisons.
const pairwiseOutputContract = `## Output Format
Respond in exactly this format and nothing else:
WINNER: <A, B, or TIE>
RATIONALE: <2-5 sentences comparing the two documents>`

// pairwiseReformatPrompt nudges a judge whose reply did not match the contract.
// %s = output contract.
const pairwiseReformatPrompt = `Your previous response did not match the required format. Do not re-compare; restate your verdict in exactly this format:

%s`
