package sheets

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

// GoogleStore is a Store backed by one Google spreadsheet.
type GoogleStore struct {
	svc           *gsheets.Service
	spreadsheetID string
}

// NewGoogleStore wraps an existing Sheets service.
func NewGoogleStore(svc *gsheets.Service, spreadsheetID string) *GoogleStore {
	return &GoogleStore{svc: svc, spreadsheetID: spreadsheetID}
}

// OpenGoogle builds a store authorised with the OAuth client in
// credentialsFile and the cached token in tokenFile. Run Authorize first when
// the token file does not exist yet.
func OpenGoogle(ctx context.Context, spreadsheetID, credentialsFile, tokenFile string, opts ...option.ClientOption) (*GoogleStore, error) {
	cfg, err := OAuthConfig(credentialsFile)
	if err != nil {
		return nil, err
	}
	tok, err := readToken(tokenFile)
	if err != nil {
		return nil, errors.Wrapf(err, "read token %s (run `trainloop auth`)", tokenFile)
	}
	opts = append([]option.ClientOption{option.WithHTTPClient(cfg.Client(ctx, tok))}, opts...)
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create sheets service")
	}
	return NewGoogleStore(svc, spreadsheetID), nil
}

func qualify(sheet string, ranges []string) []string {
	out := make([]string, len(ranges))
	for i, r := range ranges {
		if sheet == "" {
			out[i] = r
		} else {
			out[i] = sheet + "!" + r
		}
	}
	return out
}

func (g *GoogleStore) ReadRanges(ctx context.Context, sheet string, ranges []string) ([][]string, error) {
	resp, err := g.svc.Spreadsheets.Values.BatchGet(g.spreadsheetID).
		Ranges(qualify(sheet, ranges)...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, errors.Wrap(err, "batch get")
	}
	out := make([][]string, len(ranges))
	for i := range out {
		out[i] = []string{}
		if i >= len(resp.ValueRanges) || resp.ValueRanges[i] == nil {
			continue
		}
		for _, row := range resp.ValueRanges[i].Values {
			for _, v := range row {
				out[i] = append(out[i], fmt.Sprint(v))
			}
		}
	}
	return out, nil
}

func (g *GoogleStore) UpdateRanges(ctx context.Context, sheet string, ranges []string, values [][]string) error {
	if len(ranges) != len(values) {
		return ErrLengthMismatch
	}
	q := qualify(sheet, ranges)
	data := make([]*gsheets.ValueRange, 0, len(ranges))
	for i, r := range q {
		row := make([]interface{}, len(values[i]))
		for j, v := range values[i] {
			row[j] = v
		}
		data = append(data, &gsheets.ValueRange{Range: r, Values: [][]interface{}{row}})
	}
	_, err := g.svc.Spreadsheets.Values.BatchUpdate(g.spreadsheetID, &gsheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Context(ctx).Do()
	return errors.Wrap(err, "batch update")
}

// OAuthConfig reads an OAuth client secret file.
func OAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, errors.Wrapf(err, "read credentials %s", credentialsFile)
	}
	cfg, err := google.ConfigFromJSON(b, gsheets.SpreadsheetsScope)
	if err != nil {
		return nil, errors.Wrap(err, "parse credentials")
	}
	return cfg, nil
}

// Authorize runs the console consent flow: it prints the consent URL to out,
// reads the authorization code from in and saves the token to tokenFile.
func Authorize(ctx context.Context, cfg *oauth2.Config, tokenFile string, in io.Reader, out io.Writer) error {
	url := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Open the following link in your browser and paste the authorization code:\n%s\n", url)

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && code != "") {
		return errors.Wrap(err, "read authorization code")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("empty authorization code")
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return errors.Wrap(err, "exchange authorization code")
	}
	return saveToken(tokenFile, tok)
}

func readToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, errors.Wrap(err, "decode token")
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrap(err, "ensure token dir")
		}
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "encode token")
	}
	return errors.Wrap(os.WriteFile(path, b, 0o600), "write token")
}

var (
	_ Store = (*GoogleStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
