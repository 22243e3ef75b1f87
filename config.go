package ledgergo

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Database struct {
		ConnectionString string `yaml:"conn_str"`
	} `yaml:"database"`
	Ledger struct {
		BankAccount string `yaml:"bank_account"`
		Fee         string `yaml:"fee"`
	} `yaml:"ledger"`
	Limits struct {
		Register int64 `yaml:"register"`
		Credit   int64 `yaml:"credit"`
		Transfer int64 `yaml:"transfer"`
		Balance  int64 `yaml:"balance"`
		Loan     int64 `yaml:"loan"`
	} `yaml:"limits"`
	Retry struct {
		Attempts int `yaml:"attempts"`
		// BackoffMillis is the base delay; each attempt doubles it.
		BackoffMillis int `yaml:"backoff_ms"`
	} `yaml:"retry"`
}
