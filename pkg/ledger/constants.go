package ledger

const (
	operationDebit   = "debit"
	operationConfirm = "confirm_topup"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"

	// HistoryLimit caps the events returned per history read.
	HistoryLimit = 50
)

// DefaultDebitTiers are the spend amounts a caller may submit. The
// caller's own reward policy picks among them; the service only checks
// membership.
var DefaultDebitTiers = []int64{1, 10, 100}
