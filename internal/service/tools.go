package service

// Tools lists every Taler binary the bank, exchange and merchant run.
var Tools = []string{
	"taler-bank-manage",
	"taler-exchange-dbinit",
	"taler-exchange-httpd",
	"taler-exchange-offline",
	"taler-exchange-secmod-cs",
	"taler-exchange-secmod-eddsa",
	"taler-exchange-secmod-rsa",
	"taler-exchange-wirewatch",
	"taler-merchant-dbinit",
	"taler-merchant-httpd",
}
