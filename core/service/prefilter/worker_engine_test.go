package prefilter

import (
	"strings"
	"testing"

	"intake_server/core/domain"
)

func pdf(name string) domain.AttachmentMeta {
	return domain.AttachmentMeta{Filename: name, MimeType: "application/pdf", Size: 42_000, AttachmentID: "att-1"}
}

func TestEngineDecide(t *testing.T) {
	engine := NewEngine(true)

	tests := []struct {
		name           string
		facts          domain.EmailFacts
		wantAction     domain.PrefilterAction
		wantReason     string
		wantConfidence int
		wantPosition   string // substring; "" means don't care
	}{
		{
			name: "application subject with résumé auto-classifies at 90",
			facts: domain.EmailFacts{
				Subject:       "Application for Backend Developer",
				FromEmail:     "john@gmail.com",
				BodyText:      "Hi, see attached.",
				Attachments:   []domain.AttachmentMeta{pdf("resume_john.pdf")},
				CompanyDomain: "acme.com",
			},
			wantAction:     domain.ActionAutoClassify,
			wantConfidence: ConfidenceSubjectMatch,
			wantPosition:   "Backend Developer",
		},
		{
			name: "newsletter from no-reply sender is skipped",
			facts: domain.EmailFacts{
				Subject:       "Your October Newsletter",
				FromEmail:     "no-reply@mailchimp.com",
				BodyText:      "Big news this month. Click to unsubscribe or manage your preferences.",
				CompanyDomain: "acme.com",
			},
			wantAction: domain.ActionSkip,
			wantReason: ReasonNoReply,
		},
		{
			name: "ambiguous mail with a job keyword needs AI",
			facts: domain.EmailFacts{
				Subject:       "Hello",
				FromEmail:     "jane@example.org",
				BodyText:      "I saw your posting for the position and would love to chat",
				CompanyDomain: "acme.com",
			},
			wantAction: domain.ActionNeedsAI,
			wantReason: ReasonAmbiguous,
		},
		{
			name: "internal sender dominates résumé attachment",
			facts: domain.EmailFacts{
				Subject:       "Application for Backend Developer",
				FromEmail:     "Recruiter@ACME.com",
				Attachments:   []domain.AttachmentMeta{pdf("resume.pdf")},
				CompanyDomain: "acme.com",
			},
			wantAction: domain.ActionSkip,
			wantReason: ReasonInternal,
		},
		{
			name: "shared webmail domain is never internal",
			facts: domain.EmailFacts{
				Subject:       "Application for Backend Developer",
				FromEmail:     "john@gmail.com",
				Attachments:   []domain.AttachmentMeta{pdf("resume_john.pdf")},
				CompanyDomain: "gmail.com",
			},
			wantAction:     domain.ActionAutoClassify,
			wantConfidence: ConfidenceSubjectMatch,
		},
		{
			name: "auto-reply subject",
			facts: domain.EmailFacts{
				Subject:   "Automatic reply: Application for Designer",
				FromEmail: "someone@corp.com",
			},
			wantAction: domain.ActionSkip,
			wantReason: ReasonAutoReply,
		},
		{
			name: "two newsletter indicators from a normal sender",
			facts: domain.EmailFacts{
				Subject:   "Weekly jobs digest",
				FromEmail: "digest@jobs.example",
				BodyText:  "View this email in your browser ... to stop receiving these emails",
			},
			wantAction: domain.ActionSkip,
			wantReason: ReasonNewsletter,
		},
		{
			name: "one newsletter indicator is not enough",
			facts: domain.EmailFacts{
				Subject:   "Question about the role",
				FromEmail: "sam@example.org",
				BodyText:  "If you'd rather I opt out of the process just say so.",
			},
			wantAction: domain.ActionNeedsAI,
			wantReason: ReasonAmbiguous,
		},
		{
			name: "List-Unsubscribe header",
			facts: domain.EmailFacts{
				Subject:   "New job opening",
				FromEmail: "feed@board.example",
				Headers:   map[string]string{"List-Unsubscribe": "<mailto:u@board.example>"},
			},
			wantAction: domain.ActionSkip,
			wantReason: ReasonMailingList,
		},
		{
			name: "no attachment and no keyword",
			facts: domain.EmailFacts{
				Subject:   "Lunch tomorrow?",
				FromEmail: "friend@example.org",
				BodyText:  "Are you free at noon?",
			},
			wantAction: domain.ActionSkip,
			wantReason: ReasonNoJobSignals,
		},
		{
			name: "body phrasing with generic filename auto-classifies at 85",
			facts: domain.EmailFacts{
				Subject:     "Hi there",
				FromEmail:   "alex@example.org",
				BodyText:    "Please find attached my résumé for your consideration.",
				Attachments: []domain.AttachmentMeta{pdf("document.pdf")},
			},
			wantAction:     domain.ActionAutoClassify,
			wantConfidence: ConfidenceBodyMatch,
		},
		{
			name: "résumé filename only auto-classifies at 80",
			facts: domain.EmailFacts{
				Subject:     "Hi",
				FromEmail:   "alex@example.org",
				BodyText:    "see attached",
				Attachments: []domain.AttachmentMeta{pdf("Alex_Kim_Resume.pdf")},
			},
			wantAction:     domain.ActionAutoClassify,
			wantConfidence: ConfidenceFilenameMatch,
		},
		{
			name: "pdf without any positive signal needs AI",
			facts: domain.EmailFacts{
				Subject:     "Invoice",
				FromEmail:   "billing@vendor.example",
				BodyText:    "attached",
				Attachments: []domain.AttachmentMeta{pdf("inv-2024-10.pdf")},
			},
			wantAction: domain.ActionNeedsAI,
			wantReason: ReasonAmbiguous,
		},
		{
			name: "image attachment does not count as résumé",
			facts: domain.EmailFacts{
				Subject:     "Photos",
				FromEmail:   "friend@example.org",
				Attachments: []domain.AttachmentMeta{{Filename: "beach.jpg", MimeType: "image/jpeg"}},
			},
			wantAction: domain.ActionSkip,
			wantReason: ReasonNoJobSignals,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Decide(tt.facts)
			if got.Action != tt.wantAction {
				t.Fatalf("Action = %s (%s), want %s", got.Action, got.Reason, tt.wantAction)
			}
			if tt.wantReason != "" && got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
			if tt.wantConfidence != 0 && got.Confidence != tt.wantConfidence {
				t.Errorf("Confidence = %d, want %d", got.Confidence, tt.wantConfidence)
			}
			if tt.wantPosition != "" {
				if got.DetectedPosition == nil {
					t.Fatalf("DetectedPosition = nil, want %q", tt.wantPosition)
				}
				if !strings.Contains(*got.DetectedPosition, tt.wantPosition) {
					t.Errorf("DetectedPosition = %q, want it to contain %q", *got.DetectedPosition, tt.wantPosition)
				}
			}
		})
	}
}

func TestEngineAutoClassifyDisabled(t *testing.T) {
	engine := NewEngine(false)

	got := engine.Decide(domain.EmailFacts{
		Subject:     "Application for Backend Developer",
		FromEmail:   "john@gmail.com",
		Attachments: []domain.AttachmentMeta{pdf("resume_john.pdf")},
	})
	if got.Action != domain.ActionNeedsAI {
		t.Fatalf("Action = %s, want needs_ai", got.Action)
	}
	if got.DetectedPosition == nil || *got.DetectedPosition != "Backend Developer" {
		t.Errorf("DetectedPosition = %v, want Backend Developer", got.DetectedPosition)
	}
}

func TestExtractPosition(t *testing.T) {
	tests := []struct {
		in   string
		want string // "" means nil
	}{
		{"Application for Backend Developer", "Backend Developer"},
		{"I am interested in the Senior Data Engineer position at your company", "Senior Data Engineer"},
		{"applying for the Product Designer role at Acme", "Product Designer"},
		{"Re: position of Site Reliability Engineer", "Site Reliability Engineer"},
		{"Application for Backend Developer - John Smith", "Backend Developer"},
		{"Application for QA", ""},
		{"Hello there", ""},
		{"", ""},
		{"Application for " + strings.Repeat("x", 150), ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ExtractPosition(tt.in)
			switch {
			case tt.want == "" && got != nil:
				t.Errorf("ExtractPosition(%q) = %q, want nil", tt.in, *got)
			case tt.want != "" && got == nil:
				t.Errorf("ExtractPosition(%q) = nil, want %q", tt.in, tt.want)
			case tt.want != "" && *got != tt.want:
				t.Errorf("ExtractPosition(%q) = %q, want %q", tt.in, *got, tt.want)
			}
		})
	}
}

func TestIsResumeAttachment(t *testing.T) {
	tests := []struct {
		name string
		att  domain.AttachmentMeta
		want bool
	}{
		{"pdf", domain.AttachmentMeta{Filename: "a.pdf", MimeType: "application/pdf"}, true},
		{"docx", domain.AttachmentMeta{Filename: "a.docx", MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document"}, true},
		{"mime with params", domain.AttachmentMeta{Filename: "a.rtf", MimeType: "text/rtf; charset=utf-8"}, true},
		{"octet-stream by extension", domain.AttachmentMeta{Filename: "cv.DOCX", MimeType: "application/octet-stream"}, true},
		{"octet-stream zip", domain.AttachmentMeta{Filename: "files.zip", MimeType: "application/octet-stream"}, false},
		{"plain text resume", domain.AttachmentMeta{Filename: "my_resume.txt", MimeType: "text/plain"}, true},
		{"plain text notes", domain.AttachmentMeta{Filename: "notes.txt", MimeType: "text/plain"}, false},
		{"image", domain.AttachmentMeta{Filename: "cv.png", MimeType: "image/png"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsResumeAttachment(tt.att); got != tt.want {
				t.Errorf("IsResumeAttachment(%+v) = %v, want %v", tt.att, got, tt.want)
			}
		})
	}
}
