package streams

import (
	"github.com/Sternrassler/ledger-extract/pkg/record"
)

// dimension describes a full-refresh lookup table keyed on a unique id.
type dimension struct {
	name     string
	desc     string
	sel      string
	from     string
	idColumn string
	ints     []string
	decimals []string
	dates    []string
}

var dimensionTables = []dimension{
	{
		name: "netsuite_account",
		desc: "Chart of accounts",
		sel: "Account.id, Account.category1099Misc, Account.balance, Account.sBankName, Account.sBankRoutingNumber, " +
			"Account.custrecord_bdc_lastupdatedbyimp_acc, Account.deferralAcct, Account.description, " +
			"Account.accountSearchDisplayName, Account.displayNameWithHierarchy, Account.eliminate, Account.externalId, " +
			"Account.fullName, Account.isInactive, Account.includeChildren, Account.inventory, Account.lastModifiedDate, " +
			"Account.custrecord_legacy_no, CUSTOMRECORD1032.name AS revenue_classification, " +
			"Account.accountSearchDisplayNameCopy, Account.acctNumber, Account.class, Account.department, " +
			"Account.location, Account.revalue, Account.custrecord_fam_account_showinfixedasset, Account.sSpecAcct, " +
			"Account.parent, Account.subsidiary, Account.isSummary, Account.billableExpensesAcct, Account.acctType, " +
			"Account.reconcileWithMatching",
		from:     "Account LEFT JOIN CUSTOMRECORD1032 ON Account.custrecord6 = CUSTOMRECORD1032.id",
		idColumn: "Account.id",
		ints:     []string{"id", "parent"},
		decimals: []string{"balance"},
		dates:    []string{"lastmodifieddate"},
	},
	{
		name: "netsuite_vendor",
		desc: "Vendors with category",
		sel: "vc.name AS category, v.id, v.accountnumber, v.altname, v.balance, v.balanceprimary, v.comments, " +
			"v.companyname, v.creditlimit, v.currency, v.custentity_2663_payment_method, v.datecreated, v.email, " +
			"v.emailpreference, v.emailtransactions, v.entityid, v.expenseaccount, v.externalid, v.fax, " +
			"v.faxtransactions, v.giveaccess, v.incoterm, v.is1099eligible, v.isinactive, v.isjobresourcevend, " +
			"v.isperson, v.laborcost, v.lastmodifieddate, v.legalname, v.payablesaccount, v.phone, v.printoncheckas, " +
			"v.printtransactions, v.purchaseorderamount, v.purchaseorderquantity, v.purchaseorderquantitydiff, " +
			"v.receiptamount, v.receiptquantity, v.receiptquantitydiff, v.representingsubsidiary, v.subsidiary, " +
			"v.terms, v.unbilledorders, v.unbilledordersprimary, v.url, v.workcalendar",
		from:     "Vendor v LEFT JOIN VendorCategory vc ON v.category = vc.id",
		idColumn: "v.id",
		ints: []string{
			"id", "currency", "subsidiary", "expenseaccount", "payablesaccount", "terms", "incoterm",
			"representingsubsidiary", "custentity_2663_payment_method",
		},
		decimals: []string{
			"balance", "balanceprimary", "creditlimit", "laborcost", "purchaseorderamount",
			"purchaseorderquantity", "purchaseorderquantitydiff", "receiptamount", "receiptquantity",
			"receiptquantitydiff", "unbilledorders", "unbilledordersprimary",
		},
		dates: []string{"datecreated", "lastmodifieddate"},
	},
	{
		name:     "netsuite_classification",
		desc:     "Classes",
		sel:      "*",
		from:     "classification",
		idColumn: "classification.id",
		ints:     []string{"id", "parent", "subsidiary"},
	},
	{
		name:     "netsuite_department",
		desc:     "Departments",
		sel:      "*",
		from:     "Department",
		idColumn: "Department.id",
		ints:     []string{"id", "parent", "subsidiary"},
	},
	{
		name: "netsuite_location",
		desc: "Locations with main address",
		sel: "l.id, l.cseg1, l.custrecord1 AS TaxRate, l.custrecord2 AS OpeningDate, l.custrecord3 AS ClosingDate, " +
			"l.custrecord4 AS Lease_RefID, l.fullname, l.isinactive, l.custrecord_bdc_lastupdatedbyimp_loc, " +
			"l.lastmodifieddate, l.mainaddress, l.makeinventoryavailable, l.name, l.subsidiary, l.locationtype, " +
			"l.externalid, l.usebins, a.addr1, a.addr2, a.city, a.state, a.zip, a.country, a.addrphone, a.attention",
		from:     "Location l LEFT JOIN LocationMainAddress a ON l.mainaddress = a.nkey",
		idColumn: "l.id",
		ints:     []string{"id", "mainaddress", "locationtype", "cseg1", "subsidiary"},
		decimals: []string{"taxrate"},
		dates:    []string{"lastmodifieddate"},
	},
	{
		name:     "netsuite_customer",
		desc:     "Customers",
		sel:      "id, entityid, companyname",
		from:     "customer",
		idColumn: "id",
		ints:     []string{"id"},
	},
	{
		name:     "netsuite_employee",
		desc:     "Employees",
		sel:      "id, entityid, firstname || ' ' || lastname AS companyname",
		from:     "employee",
		idColumn: "id",
		ints:     []string{"id"},
	},
}

func (d dimension) stream() Stream {
	fields := make([]record.Field, 0, len(d.ints)+len(d.decimals)+len(d.dates))
	for _, n := range d.ints {
		fields = append(fields, record.Field{Name: n, Kind: record.KindInteger})
	}
	for _, n := range d.decimals {
		fields = append(fields, record.Field{Name: n, Kind: record.KindDecimal})
	}
	for _, n := range d.dates {
		fields = append(fields, record.Field{Name: n, Kind: record.KindDateTime})
	}

	return Stream{
		Name:        d.name,
		Description: d.desc,
		Schema:      record.MustSchema(d.name, []string{"id"}, "id", true, false, fields),
		Query: Template{
			Select:   d.sel,
			From:     d.from,
			IDColumn: d.idColumn,
			OrderBy:  d.idColumn,
		},
	}
}

// Dimensions returns the full-refresh dimension streams.
func Dimensions() []Stream {
	out := make([]Stream, len(dimensionTables))
	for i, d := range dimensionTables {
		out[i] = d.stream()
	}
	return out
}
