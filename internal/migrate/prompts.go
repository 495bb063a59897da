package migrate

import (
	"os"
	"path/filepath"
	"strings"
)

const snapshotFormat = `Return a single JSON object in a ` + "```json" + ` fence with:
- tables: every database table used by the queries
- total_tables: number of entries in tables
- total_queries: number of entries in queries
- queries: array of {description, code, location}, where location is a file path with
  line numbers such as src/api/route.ts:L60-65`

const scanPrompt = `You are a fast, efficient code analyzer. Find PostgreSQL analytical queries only.
Queries may be raw SQL strings or ORM queries (Prisma, Drizzle, TypeORM and similar).

Strategy:
1. Run one grep with pattern "(SELECT.*FROM|count\(|sum\(|avg\(|groupBy|DATE_TRUNC)",
   case_insensitive=true and output_mode="content".
2. Read the surrounding code where a hit is ambiguous.
3. Keep only analytical queries.

Include any query with COUNT, SUM, AVG, MAX or MIN, GROUP BY, DATE_TRUNC or other
aggregations, and ORM calls that aggregate (.count(), .sum(), .groupBy()).
Exclude INSERT, UPDATE, DELETE, DDL and transaction statements, plain lookups by id, and
anything under scripts/, migrations/, test/, tests/ or __tests__/.

Report every analytical query exactly once. Do not make suggestions.

` + snapshotFormat

const planPrompt = `You convert PostgreSQL analytical queries to ClickHouse SQL.
For every query in the scan you are given, produce the equivalent ClickHouse query. Keep the
description and location of the original; put the ClickHouse SQL in code. Use the tools to
read the code around a query when the scan alone is not enough.

` + snapshotFormat

const writePrompt = `You are a code migration assistant adding ClickHouse to an application.

Using the conversion plan you are given:
1. Create a small ClickHouse client module using @clickhouse/client.
2. Route each planned query site through a strategy that keeps the PostgreSQL path and
   switches to ClickHouse when the environment variable USE_CLICKHOUSE=true.
3. Use proper TypeScript types; never any or unknown.

Before each write, pass the complete file content to qa_review. When it rejects the code,
revise it using the reason and review again; write only approved code.

Every file change goes through the write tool and is reviewed by the user. If a change is
rejected, do not retry the same change; move on. Write complete file contents.

Use bash for package installs or a type check (npx tsc --noEmit); the user approves each
command. Use call_human only when the repository cannot answer a question.

When finished, answer with a short plain-text summary of what changed.`

// withAgentsMD appends the repository's AGENTS.md, if any, to a system
// prompt.
func withAgentsMD(repo, prompt string) string {
	data, err := os.ReadFile(filepath.Join(repo, "AGENTS.md"))
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return prompt
	}
	return prompt + "\n\n<additional_agent_instructions source=\"AGENTS.md\">\n" +
		strings.TrimSpace(string(data)) + "\n</additional_agent_instructions>\n"
}

const reviewPrompt = `You review code before it is written to a file in an application that is adding
ClickHouse next to PostgreSQL. Approve or reject it.

Reject when:
- the code explicitly declares any, or unknown without a type guard (implicit any from
  library calls such as JSON.parse is fine);
- it forces ClickHouse without a PostgreSQL fallback, removes existing PostgreSQL
  behavior, or switches databases without an environment check;
- an incomplete change would break existing users;
- there is an unused import.

Be lenient on missing polish such as logging or error handling.

Return only a JSON object: {"approved": true or false, "reason": "one or two sentences"}`
