package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
	"github.com/casekit/docket/internal/services/archiver"
	"github.com/casekit/docket/internal/storage"
)

// minimalPDF builds a valid single-xref PDF with the given page count, so
// page counting runs against real structure instead of canned bytes.
func minimalPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	object := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
	}

	buf.WriteString("%PDF-1.4\n")
	kids := ""
	for i := 0; i < pages; i++ {
		if i > 0 {
			kids += " "
		}
		kids += fmt.Sprintf("%d 0 R", 3+i)
	}
	object("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	object(fmt.Sprintf("2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n", kids, pages))
	for i := 0; i < pages; i++ {
		object(fmt.Sprintf("%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>\nendobj\n", 3+i))
	}

	xrefPos := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xrefPos)
	return buf.Bytes()
}

func testLogger() *common.Logger {
	return common.NewSilentLogger()
}

func newArchiverForTest(t *testing.T) (*archiver.Service, *storage.FileBlobStore) {
	t.Helper()
	blobs, err := storage.NewFileBlobStore(testLogger(), t.TempDir())
	require.NoError(t, err)
	return archiver.NewService(blobs, testLogger()), blobs
}

// progressRecorder collects handler checkpoints.
type progressRecorder struct {
	mu    sync.Mutex
	steps []models.JobProgress
}

func (r *progressRecorder) sink() interfaces.ProgressSink {
	return func(ctx context.Context, p models.JobProgress) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.steps = append(r.steps, p)
		return nil
	}
}

func (r *progressRecorder) percentages() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.steps))
	for i, p := range r.steps {
		out[i] = p.Percentage
	}
	return out
}

func neverCancel(context.Context) bool { return false }

// cancelAfter returns a signal that reports cancellation from call n+1 on.
func cancelAfter(n int) interfaces.CancelSignal {
	var mu sync.Mutex
	calls := 0
	return func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return calls > n
	}
}

func testJob(t *testing.T, jobType string, payload interface{}) *models.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &models.Job{
		ID:       "job-test",
		Tenant:   "t-1",
		User:     "ann@a.example",
		Type:     jobType,
		Status:   models.JobStatusRunning,
		Priority: models.PriorityNormal,
		Payload:  raw,
	}
}

func errKind(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	return models.AsJobError(err, models.ErrKindProcessing).Kind
}

// fetchedFixture is a ready-to-store email with one three-page PDF exhibit.
func fetchedFixture(messageID string) *models.FetchResult {
	return &models.FetchResult{
		Metadata: models.EmailMetadata{
			MessageID: messageID,
			Subject:   "Discovery response",
			From:      models.EmailAddress{Name: "Ann Chu", Address: "ann@a.example"},
			SentAt:    time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		},
		Content: models.EmailContent{
			HTML: "<p>Responses enclosed.</p>",
			Text: "Responses enclosed.",
			Attachments: []models.Attachment{
				{ID: "att-1", Name: "exhibit.pdf", ContentType: "application/pdf", Content: minimalPDF(3)},
			},
		},
	}
}

// backdateArchive rewrites a stored record so it reads as archived at the
// given instant.
func backdateArchive(t *testing.T, blobs *storage.FileBlobStore, tenant, caseID, messageID string, storedAt time.Time) {
	t.Helper()
	key := fmt.Sprintf("tenants/%s/cases/%s/emails/%s/metadata.json", tenant, caseID, messageID)
	data, _, err := blobs.Get(context.Background(), key)
	require.NoError(t, err)
	var record models.ArchivedEmailRecord
	require.NoError(t, json.Unmarshal(data, &record))
	record.StoredAt = storedAt
	updated, err := json.MarshalIndent(record, "", "  ")
	require.NoError(t, err)
	require.NoError(t, blobs.Put(context.Background(), key, updated, "application/json"))
}

// stubMail serves one canned message and counts upstream calls.
type stubMail struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]error
	meta    *models.EmailMetadata
	content *models.EmailContent
	listed  []*models.Attachment
	full    map[string]*models.Attachment
}

func newStubMail(messageID string) *stubMail {
	pdfBytes := minimalPDF(1)
	return &stubMail{
		calls: make(map[string]int),
		fail:  make(map[string]error),
		meta: &models.EmailMetadata{
			MessageID:      messageID,
			Subject:        "Deposition schedule",
			From:           models.EmailAddress{Name: "Ann Chu", Address: "ann@a.example"},
			To:             []models.EmailAddress{{Address: "paralegal@a.example"}},
			HasAttachments: true,
		},
		content: &models.EmailContent{
			HTML: "<p>See attached.</p>",
			Text: "See attached.",
			Headers: map[string]models.HeaderValue{
				"Message-ID": {Values: []string{"<" + messageID + "@a.example>"}},
			},
		},
		listed: []*models.Attachment{
			{ID: "att-1", Name: "schedule.pdf", ContentType: "application/pdf", Size: int64(len(pdfBytes))},
			{ID: "att-2", Name: "notes.txt", ContentType: "text/plain", Size: 5, Content: []byte("notes")},
		},
		full: map[string]*models.Attachment{
			"att-1": {ID: "att-1", Name: "schedule.pdf", ContentType: "application/pdf", Size: int64(len(pdfBytes)), Content: pdfBytes},
		},
	}
}

func (m *stubMail) count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *stubMail) step(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	return m.fail[method]
}

func (m *stubMail) GetMessage(ctx context.Context, creds interfaces.MailCredentials, messageID string) (*models.EmailMetadata, error) {
	if err := m.step("GetMessage"); err != nil {
		return nil, err
	}
	meta := *m.meta
	meta.MessageID = messageID
	return &meta, nil
}

func (m *stubMail) GetMessageContent(ctx context.Context, creds interfaces.MailCredentials, messageID string) (*models.EmailContent, error) {
	if err := m.step("GetMessageContent"); err != nil {
		return nil, err
	}
	content := *m.content
	return &content, nil
}

func (m *stubMail) ListAttachments(ctx context.Context, creds interfaces.MailCredentials, messageID string) ([]*models.Attachment, error) {
	if err := m.step("ListAttachments"); err != nil {
		return nil, err
	}
	out := make([]*models.Attachment, len(m.listed))
	for i, att := range m.listed {
		copied := *att
		out[i] = &copied
	}
	return out, nil
}

func (m *stubMail) GetAttachment(ctx context.Context, creds interfaces.MailCredentials, messageID, attachmentID string) (*models.Attachment, error) {
	if err := m.step("GetAttachment"); err != nil {
		return nil, err
	}
	att, ok := m.full[attachmentID]
	if !ok {
		return nil, models.NewJobErrorf(models.ErrKindNotFound, "attachment %q not found", attachmentID)
	}
	copied := *att
	return &copied, nil
}

var _ interfaces.MailClient = (*stubMail)(nil)
