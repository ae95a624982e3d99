// Package drive implements storage.Store on top of the Google Drive v3 API.
package drive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kebairia/drivebackup/internal/logger"
	"github.com/kebairia/drivebackup/internal/storage"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	listFields     = "nextPageToken, files(id, name, modifiedTime, size)"
	pageSize       = 100
)

// TokenProvider hands out a token source for the active credential.
// Satisfied by *auth.Manager.
type TokenProvider interface {
	TokenSource(ctx context.Context) (oauth2.TokenSource, error)
}

type Option func(*Client)

// WithEndpoint points the client at a different API base URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithRateLimit caps API calls per second. Zero or negative disables the limit.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

func WithLogger(log logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// Client talks to Drive with the token of a TokenProvider. The underlying
// service is built on first use and rebuilt when the token source changes.
type Client struct {
	tokens   TokenProvider
	endpoint string
	limiter  *rate.Limiter
	log      logger.Logger

	mu  sync.Mutex
	src oauth2.TokenSource
	svc *drive.Service

	// serializes folder lookup-or-create
	folderMu sync.Mutex
}

func New(tokens TokenProvider, opts ...Option) *Client {
	c := &Client{
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Inf, 0),
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) service(ctx context.Context) (*drive.Service, error) {
	ts, err := c.tokens.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrNotAuthorized, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.svc != nil && c.src == ts {
		return c.svc, nil
	}

	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(context.WithoutCancel(ctx), ts)),
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create drive service: %v", storage.ErrRemote, err)
	}
	c.src, c.svc = ts, svc
	return svc, nil
}

// call waits for the limiter and returns the service.
func (c *Client) call(ctx context.Context) (*drive.Service, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.service(ctx)
}

func (c *Client) ResolveFolder(ctx context.Context, name string) (string, error) {
	c.folderMu.Lock()
	defer c.folderMu.Unlock()

	svc, err := c.call(ctx)
	if err != nil {
		return "", err
	}
	q := fmt.Sprintf("mimeType='%s' and name='%s' and 'root' in parents and trashed=false",
		folderMimeType, escape(name))
	list, err := svc.Files.List().Q(q).Spaces("drive").Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", wrap("find folder "+name, err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	if svc, err = c.call(ctx); err != nil {
		return "", err
	}
	created, err := svc.Files.Create(&drive.File{Name: name, MimeType: folderMimeType}).
		Fields("id").Context(ctx).Do()
	if err != nil {
		return "", wrap("create folder "+name, err)
	}
	c.log.Info("created remote folder", "folder", name, "id", created.Id)
	return created.Id, nil
}

func (c *Client) Upload(ctx context.Context, localPath, name, folderID string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	svc, err := c.call(ctx)
	if err != nil {
		return "", err
	}
	meta := &drive.File{
		Name:     name,
		MimeType: storage.ArchiveContentType,
		Parents:  []string{folderID},
	}
	created, err := svc.Files.Create(meta).
		Media(f, googleapi.ContentType(storage.ArchiveContentType)).
		Fields("id").Context(ctx).Do()
	if err != nil {
		return "", wrap("upload "+name, err)
	}
	return created.Id, nil
}

func (c *Client) List(ctx context.Context, typeTag, folderID string) ([]storage.Object, error) {
	svc, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("name contains '%s' and '%s' in parents and mimeType='%s' and trashed=false",
		escape(typeTag), escape(folderID), storage.ArchiveContentType)

	var out []storage.Object
	err = svc.Files.List().Q(q).Spaces("drive").OrderBy("modifiedTime").
		Fields(listFields).PageSize(pageSize).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				modified, perr := time.Parse(time.RFC3339, f.ModifiedTime)
				if perr != nil {
					c.log.Warn("unparseable modification time", "id", f.Id, "value", f.ModifiedTime)
				}
				out = append(out, storage.Object{
					ID:           f.Id,
					Name:         f.Name,
					ModifiedTime: modified,
					Size:         f.Size,
				})
			}
			return c.limiter.Wait(ctx)
		})
	if err != nil {
		return nil, wrap("list "+typeTag, err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ModifiedTime.Before(out[j].ModifiedTime)
	})
	return out, nil
}

// Delete removes id. A missing object counts as deleted.
func (c *Client) Delete(ctx context.Context, id string) error {
	svc, err := c.call(ctx)
	if err != nil {
		return err
	}
	err = svc.Files.Delete(id).Context(ctx).Do()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		c.log.Debug("remote object already gone", "id", id)
		return nil
	}
	if err != nil {
		return wrap("delete "+id, err)
	}
	return nil
}

func wrap(op string, err error) error {
	var rerr *oauth2.RetrieveError
	switch {
	case errors.As(err, &rerr):
		return fmt.Errorf("%w: %s: %v", storage.ErrNotAuthorized, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %v", storage.ErrRemote, op, err)
	}
}

var queryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func escape(s string) string {
	return queryEscaper.Replace(s)
}
