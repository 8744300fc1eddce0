package actors

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/fiatjaf/go-lnurl"
	"github.com/nbd-wtf/go-nostr"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"satchel/engine/library"
)

// DecodeInvoice parses a bolt11 invoice. Decodepay indexes the input on its
// first digit and panics on digit-less strings, so the shape is checked and
// the panic contained before attacker-controlled input reaches it.
func DecodeInvoice(invoice string) (b decodepay.Bolt11, e error) {
	defer func() {
		if r := recover(); r != nil {
			b = decodepay.Bolt11{}
			e = fmt.Errorf("invalid invoice: %v", r)
		}
	}()
	if len(invoice) < 4 ||
		!strings.HasPrefix(strings.ToLower(invoice), "ln") ||
		!strings.ContainsAny(invoice, "1234567890") {
		return b, fmt.Errorf("not a bolt11 invoice")
	}
	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return b, err
	}
	return bolt11, e
}

func GetLightningAddressFromKind0(event nostr.Event) (string, bool) {
	if len(event.Content) > 0 {
		var profile library.Profile
		err := json.Unmarshal([]byte(event.Content), &profile)
		if err == nil {
			addr, err := mail.ParseAddress(profile.Lud16)
			if err == nil {
				return strings.Trim(addr.String(), "<>"), true
			}
		}
	}
	return "", false
}

// GetInvoice asks the LNURL-pay service behind a lightning address for a
// bolt11 invoice of the given amount in sats.
func GetInvoice(address string, amount int64, description string) (string, error) {
	if lud06, ok := Lud16ToLud06(address); ok {
		invoice := fetchInvoice(lud06, amount*1000, description)
		if invoice != "" {
			return invoice, nil
		}
	}
	return "", fmt.Errorf("could not fetch an invoice for %s", address)
}

type LNServicePayResponse struct {
	Callback    string `json:"callback"`
	MaxSendable int64  `json:"maxSendable"`
	MinSendable int64  `json:"minSendable"`
	Metadata    string `json:"metadata"`
	Tag         string `json:"tag"`
}

type LNServiceInvoice struct {
	Pr     string     `json:"pr"`
	Routes []struct{} `json:"routes"`
}

func fetchInvoice(lnurla string, amountMsat int64, comment string) (invoice string) {
	// Decode LN Url
	decodedLnUrl, _ := lnurl.LNURLDecode(lnurla)
	// Get LN Service URL
	resp, err := http.Get(decodedLnUrl)
	if err != nil {
		library.LogCLI(err, 2)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		library.LogCLI(err, 2)
		return
	}
	// extract callback URL
	var response LNServicePayResponse
	err = json.Unmarshal(body, &response)
	if err != nil {
		library.LogCLI(err, 2)
		return
	}
	// LN Service will create and return an invoice for this amount
	callbackUrl := response.Callback + "?amount=" + strconv.Itoa(int(amountMsat)) + "&comment=" + strings.TrimSpace(comment)
	resp, err = http.Get(callbackUrl)
	if err != nil {
		library.LogCLI(err, 2)
		return
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		library.LogCLI(err, 2)
		return ""
	}
	var resInvoice LNServiceInvoice
	err = json.Unmarshal(body, &resInvoice)
	if err != nil {
		library.LogCLI(err, 2)
		return ""
	}
	return resInvoice.Pr
}

func lud16ToUrl(address string) (s string, e error) {
	split := strings.Split(address, "@")
	if len(split) != 2 {
		return "", fmt.Errorf("invalid lightning address")
	}
	return "https://" + strings.Trim(split[1], "<>") + "/.well-known/lnurlp/" + strings.Trim(split[0], "<>"), e
}

func urlToLud06(url string) string {
	encodedUrl, err := lnurl.Encode(url)
	if err != nil {
		library.LogCLI(err, 1)
	}
	return encodedUrl
}

func Lud16ToLud06(lud16 string) (string, bool) {
	url, err := lud16ToUrl(lud16)
	if err != nil {
		library.LogCLI(err, 1)
		return "", false
	}
	lud06 := urlToLud06(url)
	if len(lud06) > 0 {
		return lud06, true
	}
	return "", false
}
