package models

// ServiceType tags the M-Pesa destination kind a payment is for.
type ServiceType string

const (
	ServiceAirtime   ServiceType = "airtime"
	ServicePaybill   ServiceType = "paybill"
	ServiceGoods     ServiceType = "goods"
	ServiceSendMoney ServiceType = "send_money"
	ServicePochi     ServiceType = "pochi"
	ServiceQRScan    ServiceType = "qr_scan"
)

// Services lists every service in menu order.
var Services = []ServiceType{
	ServiceAirtime,
	ServicePaybill,
	ServiceGoods,
	ServiceSendMoney,
	ServicePochi,
	ServiceQRScan,
}

// Field names one piece of a PaymentRequest collected from the user.
type Field string

const (
	FieldPhoneNumber   Field = "phone_number"
	FieldPaybillNumber Field = "paybill_number"
	FieldAccountNumber Field = "account_number"
	FieldTillNumber    Field = "till_number"
	FieldQRData        Field = "qr_data"
	FieldAmount        Field = "amount"
)

var serviceFields = map[ServiceType][]Field{
	ServiceAirtime:   {FieldPhoneNumber, FieldAmount},
	ServiceSendMoney: {FieldPhoneNumber, FieldAmount},
	ServicePochi:     {FieldPhoneNumber, FieldAmount},
	ServicePaybill:   {FieldPaybillNumber, FieldAccountNumber, FieldAmount},
	ServiceGoods:     {FieldTillNumber, FieldAmount},
	ServiceQRScan:    {FieldQRData, FieldAmount},
}

var serviceLabels = map[ServiceType]string{
	ServiceAirtime:   "Buy Airtime",
	ServicePaybill:   "Paybill",
	ServiceGoods:     "Buy Goods",
	ServiceSendMoney: "Send Money",
	ServicePochi:     "Lipa na Pochi",
	ServiceQRScan:    "Scan QR Code",
}

// ParseServiceType maps a raw tag to a known service.
func ParseServiceType(s string) (ServiceType, bool) {
	st := ServiceType(s)
	_, ok := serviceFields[st]
	return st, ok
}

func (s ServiceType) Valid() bool {
	_, ok := serviceFields[s]
	return ok
}

// Fields returns the ordered fields the service requires. Amount is always last.
func (s ServiceType) Fields() []Field {
	fields := serviceFields[s]
	out := make([]Field, len(fields))
	copy(out, fields)
	return out
}

func (s ServiceType) Label() string {
	if l, ok := serviceLabels[s]; ok {
		return l
	}
	return string(s)
}
