package ctxstore

// Built-in attachment kinds.
const (
	KindCodeReview  = "code_review"
	KindTestResults = "test_results"
	KindDecisionLog = "decision_log"
	KindFileChanges = "file_changes"
)

var builtinSchemas = map[string]string{
	KindCodeReview: `{
  "type": "object",
  "required": ["summary", "verdict"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "verdict": {"enum": ["approve", "request_changes", "comment"]},
    "comments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["body"],
        "properties": {
          "file": {"type": "string"},
          "line": {"type": "integer", "minimum": 1},
          "body": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`,
	KindTestResults: `{
  "type": "object",
  "required": ["passed", "failed"],
  "properties": {
    "passed": {"type": "integer", "minimum": 0},
    "failed": {"type": "integer", "minimum": 0},
    "skipped": {"type": "integer", "minimum": 0},
    "duration_seconds": {"type": "number", "minimum": 0},
    "failures": {"type": "array", "items": {"type": "string"}}
  }
}`,
	KindDecisionLog: `{
  "type": "object",
  "required": ["decision", "rationale"],
  "properties": {
    "decision": {"type": "string", "minLength": 1},
    "rationale": {"type": "string", "minLength": 1},
    "alternatives": {"type": "array", "items": {"type": "string"}},
    "decided_by": {"type": "string"}
  }
}`,
	KindFileChanges: `{
  "type": "object",
  "required": ["files"],
  "properties": {
    "files": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["path", "change"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "change": {"enum": ["added", "modified", "deleted", "renamed"]},
          "additions": {"type": "integer", "minimum": 0},
          "deletions": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`,
}
