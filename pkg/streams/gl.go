package streams

import (
	"strings"

	"github.com/Sternrassler/ledger-extract/pkg/record"
)

// GeneralLedgerDetailName is the name of the GL detail stream.
const GeneralLedgerDetailName = "netsuite_general_ledger_detail"

var glColumns = []string{
	"t.ID AS internal_id",
	"t.Trandate AS transaction_date",
	"coalesce(t.TranID, 'NULL') AS transaction_id",
	"tal.TransactionLine AS trans_acct_line_id",
	"BUILTIN.DF(t.PostingPeriod) AS posting_period",
	"t.PostingPeriod AS posting_period_id",
	"t.createdDateTime AS created_date",
	"tal.lastmodifieddate AS trans_acct_line_last_modified",
	"t.lastmodifieddate AS transaction_last_modified",
	"a.lastmodifieddate AS account_last_modified",
	"t.Posting AS posting",
	"BUILTIN.DF(t.approvalStatus) AS approval",
	"BUILTIN.DF(t.Entity) AS entity_name",
	"t.memo AS trans_memo",
	"tl.memo AS trans_line_memo",
	"BUILTIN.DF(t.Type) AS transaction_type",
	"tal.Account AS acct_id",
	"a.parent AS account_group",
	"tl.Department AS department",
	"tl.Class AS class",
	"tl.Location AS location",
	"tal.Debit AS debit",
	"tal.Credit AS credit",
	"tal.Amount AS net_amount",
	"BUILTIN.DF(tl.Subsidiary) AS subsidiary",
	"t.Number AS document_number",
	"BUILTIN.DF(t.Status) AS status",
}

var glSchema = record.MustSchema(
	GeneralLedgerDetailName,
	[]string{"internal_id", "transaction_id", "trans_acct_line_id"},
	"internal_id",
	false, // one transaction has many accounting lines
	true,
	[]record.Field{
		{Name: "internal_id", Kind: record.KindInteger},
		{Name: "transaction_date", Kind: record.KindDate},
		{Name: "transaction_id", Kind: record.KindString},
		{Name: "trans_acct_line_id", Kind: record.KindInteger},
		{Name: "posting_period", Kind: record.KindString},
		{Name: "posting_period_id", Kind: record.KindInteger},
		{Name: "created_date", Kind: record.KindDateTime},
		{Name: "trans_acct_line_last_modified", Kind: record.KindDateTime},
		{Name: "transaction_last_modified", Kind: record.KindDateTime},
		{Name: "account_last_modified", Kind: record.KindDateTime},
		{Name: "posting", Kind: record.KindString},
		{Name: "approval", Kind: record.KindString},
		{Name: "entity_name", Kind: record.KindString},
		{Name: "trans_memo", Kind: record.KindString},
		{Name: "trans_line_memo", Kind: record.KindString},
		{Name: "transaction_type", Kind: record.KindString},
		{Name: "acct_id", Kind: record.KindInteger},
		{Name: "account_group", Kind: record.KindInteger},
		{Name: "department", Kind: record.KindInteger},
		{Name: "class", Kind: record.KindInteger},
		{Name: "location", Kind: record.KindInteger},
		{Name: "debit", Kind: record.KindDecimal},
		{Name: "credit", Kind: record.KindDecimal},
		{Name: "net_amount", Kind: record.KindDecimal},
		{Name: "subsidiary", Kind: record.KindString},
		{Name: "document_number", Kind: record.KindString},
		{Name: "status", Kind: record.KindString},
	},
)

// GeneralLedgerDetail returns the posted accounting line stream. Rows are
// ordered by transaction and line, partitionable by posting period and
// incremental on the transaction, line and account modification dates.
func GeneralLedgerDetail() Stream {
	return Stream{
		Name:        GeneralLedgerDetailName,
		Description: "Posted general ledger accounting lines with transaction and account detail",
		Schema:      glSchema,
		Query: Template{
			Select: strings.Join(glColumns, ", "),
			From: "Transaction t" +
				" INNER JOIN TransactionAccountingLine tal ON (tal.Transaction = t.ID)" +
				" INNER JOIN Account a ON (a.ID = tal.Account)" +
				" LEFT JOIN TransactionLine tl ON (tl.transaction = t.ID AND tl.id = tal.TransactionLine)",
			Where: []string{
				"t.Posting = 'T'",
				"tal.Posting = 'T'",
				"tal.Debit IS NOT NULL OR tal.Credit IS NOT NULL",
			},
			IDColumn:     "t.ID",
			PeriodColumn: "t.PostingPeriod",
			ModifiedColumns: []string{
				"t.lastModifiedDate",
				"tal.lastModifiedDate",
				"a.lastModifiedDate",
			},
			OrderBy: "t.ID, t.TranDate, t.TranID, tal.TransactionLine",
		},
	}
}
