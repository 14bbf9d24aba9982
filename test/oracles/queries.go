package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_non_negative_balances",
			SQL:  `SELECT id, kind, balance FROM accounts WHERE kind <> 'issuance' AND balance < 0`,
		},
		{
			Name: "O2_terminated_is_empty",
			SQL:  `SELECT id, balance FROM agreements WHERE state = 'terminated' AND balance <> 0`,
		},
		{
			Name: "O3_escrow_matches_agreement",
			SQL: `SELECT a.id, a.balance, acc.balance FROM agreements a
                  JOIN accounts acc ON acc.id = a.escrow_account_id
                  WHERE acc.balance <> a.balance`,
		},
		{
			Name: "O4_transfers_balanced",
			SQL: `SELECT transfer_id, SUM(delta) FROM ledger_entries
                  GROUP BY transfer_id HAVING SUM(delta) <> 0`,
		},
		{
			Name: "O5_balances_match_entries",
			SQL: `SELECT acc.id, acc.balance, COALESCE(SUM(e.delta), 0) FROM accounts acc
                  LEFT JOIN ledger_entries e ON e.account_id = acc.id
                  GROUP BY acc.id, acc.balance
                  HAVING acc.balance <> COALESCE(SUM(e.delta), 0)`,
		},
		{
			Name: "O6_worm_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O7_created_first",
			SQL: `SELECT a.id FROM agreements a
                  WHERE NOT EXISTS (
                      SELECT 1 FROM timeline_events e
                      WHERE e.agreement_id = a.id AND e.seq = 1 AND e.type = 'AGREEMENT_CREATED')`,
		},
		{
			Name: "O8_terminated_is_final",
			SQL: `SELECT e.agreement_id, e.seq, e.type FROM timeline_events e
                  JOIN timeline_events t ON t.agreement_id = e.agreement_id AND t.type = 'TERMINATED'
                  WHERE e.seq > t.seq
                  UNION ALL
                  SELECT a.id, 0, a.state FROM agreements a
                  WHERE a.state = 'terminated' AND NOT EXISTS (
                      SELECT 1 FROM timeline_events t WHERE t.agreement_id = a.id AND t.type = 'TERMINATED')`,
		},
		{
			Name: "O9_outbox_drained",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_agreement_guard",
			SQL: `SELECT 'missing_agreements_guard_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'agreements_guard')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
