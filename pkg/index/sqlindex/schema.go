package sqlindex

// schema is the DDL for the index tables
var schema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		transaction_id VARCHAR(255) NOT NULL PRIMARY KEY,
		transaction_date VARCHAR(64) NOT NULL,
		ingest_seq BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transaction_terms (
		transaction_id VARCHAR(255) NOT NULL,
		bucket_name VARCHAR(255) NOT NULL,
		term_name VARCHAR(255) NOT NULL,
		term_value TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_seq ON transactions(ingest_seq)`,
	`CREATE INDEX IF NOT EXISTS idx_terms_txn ON transaction_terms(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_terms_name_value ON transaction_terms(term_name, term_value)`,
}
