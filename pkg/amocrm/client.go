// Package amocrm talks to the amoCRM REST API and its contact merge endpoint.
package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
	"github.com/matvik19/duplicate-contacts/pkg/httpclient"
	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

const (
	// PageLimit is the maximum page size of the contacts list endpoint.
	PageLimit = 250

	pageConcurrency = 4
	maxErrorBody    = 512
)

// Client is an amoCRM API client shared by all tenants
type Client struct {
	http            *httpclient.Client
	baseURLTemplate string
	logger          ectologger.Logger
}

// NewClient creates a client. baseURLTemplate receives the subdomain through %s.
func NewClient(httpClient *httpclient.Client, baseURLTemplate string, logger ectologger.Logger) *Client {
	return &Client{
		http:            httpClient,
		baseURLTemplate: baseURLTemplate,
		logger:          logger,
	}
}

func (c *Client) baseURL(subdomain string) string {
	return strings.TrimSuffix(fmt.Sprintf(c.baseURLTemplate, subdomain), "/")
}

// do sends the request and maps transport failures and non-2xx statuses to typed errors.
func (c *Client) do(ctx context.Context, req *http.Request) (*httpclient.Response, error) {
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, dcerrors.NewTransportError(fmt.Sprintf("amocrm %s %s", req.Method, req.URL.Path), err)
	}
	if err := statusError(req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// statusError maps a response status: 404 is NotFound, 429 and 5xx are retryable
// transport failures and any other non-2xx status is a remote service error.
func statusError(req *http.Request, resp *httpclient.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail := string(resp.Body)
	if len(detail) > maxErrorBody {
		detail = detail[:maxErrorBody]
	}
	msg := fmt.Sprintf("amocrm %s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, detail)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return dcerrors.NewNotFoundError(msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return dcerrors.NewTransportError(msg, nil)
	default:
		return dcerrors.NewRemoteServiceError(msg)
	}
}

func (c *Client) newRequest(ctx context.Context, method, subdomain, token, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL(subdomain) + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, dcerrors.NewValidationErrorf("invalid amocrm request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// ListContacts fetches every contact of the tenant, with leads embedded.
// Pages after the first are fetched concurrently and returned in page order.
func (c *Client) ListContacts(ctx context.Context, subdomain, token string) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "amocrm.Client.ListContacts")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"method":    "ListContacts",
		"subdomain": subdomain,
	})

	first, err := c.listPage(ctx, subdomain, token, 1)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, nil
	}

	totalPages := (first.TotalItems + PageLimit - 1) / PageLimit
	pages := make([][]models.Contact, totalPages+1)
	pages[1] = first.Embedded.Contacts

	if totalPages > 1 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(pageConcurrency)
		for p := 2; p <= totalPages; p++ {
			g.Go(func() error {
				page, err := c.listPage(gctx, subdomain, token, p)
				if err != nil {
					return err
				}
				if page != nil {
					mu.Lock()
					pages[p] = page.Embedded.Contacts
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.WithError(err).Error("Failed to fetch contact pages")
			return nil, err
		}
	}

	contacts := make([]models.Contact, 0, first.TotalItems)
	for _, page := range pages {
		contacts = append(contacts, page...)
	}

	log.WithField("contacts", len(contacts)).Info("Fetched contacts")
	return contacts, nil
}

func (c *Client) listPage(ctx context.Context, subdomain, token string, page int) (*models.ContactPage, error) {
	query := url.Values{}
	query.Set("with", "leads")
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(PageLimit))

	req, err := c.newRequest(ctx, http.MethodGet, subdomain, token, "/api/v4/contacts", query, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req)
	if err != nil || resp.StatusCode == http.StatusNoContent {
		return nil, err
	}

	var result models.ContactPage
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, dcerrors.NewRemoteServiceErrorf("failed to decode contacts page %d: %v", page, err)
	}
	return &result, nil
}

// GetContact fetches one contact with its leads. A missing contact is a NotFound error.
func (c *Client) GetContact(ctx context.Context, subdomain, token string, id int64) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "amocrm.Client.GetContact")
	defer span.End()

	query := url.Values{}
	query.Set("with", "leads")

	req, err := c.newRequest(ctx, http.MethodGet, subdomain, token, fmt.Sprintf("/api/v4/contacts/%d", id), query, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, dcerrors.NewNotFoundErrorf("contact %d not found", id)
	}

	var contact models.Contact
	if err := json.Unmarshal(resp.Body, &contact); err != nil {
		return nil, dcerrors.NewRemoteServiceErrorf("failed to decode contact %d: %v", id, err)
	}
	return &contact, nil
}

// MergeContacts posts a merge request. amoCRM answers 202 Accepted on success.
func (c *Client) MergeContacts(ctx context.Context, subdomain, token string, merge models.MergeRequest) (*models.MergeResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "amocrm.Client.MergeContacts")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"method":    "MergeContacts",
		"subdomain": subdomain,
	})

	form := merge.Encode()
	req, err := c.newRequest(ctx, http.MethodPost, subdomain, token, "/ajax/merge/contacts/save", nil, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.do(ctx, req)
	if err == nil && resp.StatusCode != http.StatusAccepted {
		err = dcerrors.NewRemoteServiceErrorf("amocrm merge returned %d, expected 202", resp.StatusCode)
	}
	if err != nil {
		log.WithError(err).Error("Merge rejected")
		return nil, err
	}

	result := &models.MergeResponse{}
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		result.Raw = json.RawMessage(resp.Body)
	}

	log.WithField("ids", form["id[]"]).Info("Contacts merged")
	return result, nil
}

type tagRef struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type tagPatch struct {
	Embedded struct {
		Tags []tagRef `json:"tags"`
	} `json:"_embedded"`
}

// AddTags sets the contact's tags to tagIDs plus the named tags.
func (c *Client) AddTags(ctx context.Context, subdomain, token string, contactID int64, tagIDs []int64, names ...string) error {
	ctx, span := tracing.StartSpan(ctx, "amocrm.Client.AddTags")
	defer span.End()

	var patch tagPatch
	patch.Embedded.Tags = make([]tagRef, 0, len(tagIDs)+len(names))
	for _, id := range tagIDs {
		patch.Embedded.Tags = append(patch.Embedded.Tags, tagRef{ID: id})
	}
	for _, name := range names {
		patch.Embedded.Tags = append(patch.Embedded.Tags, tagRef{Name: name})
	}

	payload, err := json.Marshal(patch)
	if err != nil {
		return dcerrors.Wrap(dcerrors.KindValidation, err, "failed to encode tags")
	}

	req, err := c.newRequest(ctx, http.MethodPatch, subdomain, token, fmt.Sprintf("/api/v4/contacts/%d", contactID), nil, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(ctx, req)
	return err
}
