package model

import (
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// OnboardingStatus is the lifecycle state of a supplier.
type OnboardingStatus string

const (
	OnboardingPending    OnboardingStatus = "pending"
	OnboardingInProgress OnboardingStatus = "in_progress"
	OnboardingActive     OnboardingStatus = "active"
	OnboardingInactive   OnboardingStatus = "inactive"
)

// AcceptsRecords reports whether records may be ingested for this status.
func (s OnboardingStatus) AcceptsRecords() bool {
	return s == OnboardingInProgress || s == OnboardingActive
}

// SourceKind identifies a supplier feed connection type.
type SourceKind string

const (
	SourceFTP        SourceKind = "ftp"
	SourceAPI        SourceKind = "api"
	SourceFileUpload SourceKind = "file_upload"
	SourceEDI        SourceKind = "edi"
)

// DataSource is a typed supplier feed connection. Exactly one concrete
// type backs each supplier.
type DataSource interface {
	Kind() SourceKind
	Validate() error
}

// FTPSource is an FTP/SFTP drop location.
type FTPSource struct {
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	Username       string `yaml:"username" json:"username"`
	PasswordEnv    string `yaml:"password_env" json:"password_env,omitempty"`
	Path           string `yaml:"path" json:"path"`
	SFTP           bool   `yaml:"sftp" json:"sftp"`
	PrivateKeyPath string `yaml:"private_key_path" json:"private_key_path,omitempty"`
}

func (FTPSource) Kind() SourceKind { return SourceFTP }

func (s FTPSource) Validate() error {
	if s.Host == "" {
		return eris.New("ftp: host is required")
	}
	if s.Username == "" {
		return eris.New("ftp: username is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		return eris.Errorf("ftp: invalid port %d", s.Port)
	}
	return nil
}

// APIAuthType enumerates supplier API auth schemes.
type APIAuthType string

const (
	APIAuthNone   APIAuthType = "none"
	APIAuthBasic  APIAuthType = "basic"
	APIAuthToken  APIAuthType = "token"
	APIAuthOAuth2 APIAuthType = "oauth2"
)

// APISource is a supplier HTTP feed.
type APISource struct {
	URL            string            `yaml:"url" json:"url"`
	Headers        map[string]string `yaml:"headers" json:"headers,omitempty"`
	AuthType       APIAuthType       `yaml:"auth_type" json:"auth_type"`
	Username       string            `yaml:"username" json:"username,omitempty"`
	SecretEnv      string            `yaml:"secret_env" json:"secret_env,omitempty"`
	TokenURL       string            `yaml:"token_url" json:"token_url,omitempty"`
	ClientID       string            `yaml:"client_id" json:"client_id,omitempty"`
	PaginationType string            `yaml:"pagination_type" json:"pagination_type,omitempty"` // offset, page, cursor
}

func (APISource) Kind() SourceKind { return SourceAPI }

func (s APISource) Validate() error {
	u, err := url.Parse(s.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return eris.Errorf("api: invalid url %q", s.URL)
	}
	switch s.AuthType {
	case "", APIAuthNone:
	case APIAuthBasic:
		if s.Username == "" || s.SecretEnv == "" {
			return eris.New("api: basic auth requires username and secret_env")
		}
	case APIAuthToken:
		if s.SecretEnv == "" {
			return eris.New("api: token auth requires secret_env")
		}
	case APIAuthOAuth2:
		if s.TokenURL == "" || s.ClientID == "" || s.SecretEnv == "" {
			return eris.New("api: oauth2 requires token_url, client_id and secret_env")
		}
	default:
		return eris.Errorf("api: unknown auth_type %q", s.AuthType)
	}
	switch s.PaginationType {
	case "", "offset", "page", "cursor":
	default:
		return eris.Errorf("api: unknown pagination_type %q", s.PaginationType)
	}
	return nil
}

// FileUploadSource accepts manually uploaded feed files.
type FileUploadSource struct {
	AllowedExtensions []string `yaml:"allowed_extensions" json:"allowed_extensions"`
	HasHeader         bool     `yaml:"has_header" json:"has_header"`
	Delimiter         string   `yaml:"delimiter" json:"delimiter"`
	Encoding          string   `yaml:"encoding" json:"encoding"`
	SheetName         string   `yaml:"sheet_name" json:"sheet_name,omitempty"`
}

func (FileUploadSource) Kind() SourceKind { return SourceFileUpload }

func (s FileUploadSource) Validate() error {
	if len(s.AllowedExtensions) == 0 {
		return eris.New("file_upload: allowed_extensions is required")
	}
	if len(s.Delimiter) > 1 {
		return eris.Errorf("file_upload: delimiter must be a single character, got %q", s.Delimiter)
	}
	return nil
}

// EDISource is an EDI trading-partner connection.
type EDISource struct {
	Standard  string `yaml:"standard" json:"standard"` // X12, EDIFACT
	PartnerID string `yaml:"partner_id" json:"partner_id"`
	Qualifier string `yaml:"qualifier" json:"qualifier,omitempty"`
}

func (EDISource) Kind() SourceKind { return SourceEDI }

func (s EDISource) Validate() error {
	switch strings.ToUpper(s.Standard) {
	case "X12", "EDIFACT":
	default:
		return eris.Errorf("edi: unsupported standard %q", s.Standard)
	}
	if s.PartnerID == "" {
		return eris.New("edi: partner_id is required")
	}
	return nil
}

// Supplier is an owning scope for canonical records.
type Supplier struct {
	ID           string           `yaml:"id" json:"id"`
	Name         string           `yaml:"name" json:"name"`
	ContactEmail string           `yaml:"contact_email" json:"contact_email,omitempty"`
	Status       OnboardingStatus `yaml:"status" json:"status"`
	Source       DataSource       `yaml:"-" json:"source,omitempty"`
}

// UnmarshalYAML decodes a supplier and its source, selected by source.kind.
func (s *Supplier) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ID           string           `yaml:"id"`
		Name         string           `yaml:"name"`
		ContactEmail string           `yaml:"contact_email"`
		Status       OnboardingStatus `yaml:"status"`
		Source       yaml.Node        `yaml:"source"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.ID = raw.ID
	s.Name = raw.Name
	s.ContactEmail = raw.ContactEmail
	s.Status = raw.Status
	if s.Status == "" {
		s.Status = OnboardingPending
	}

	if raw.Source.Kind == 0 {
		return nil
	}
	var head struct {
		Kind SourceKind `yaml:"kind"`
	}
	if err := raw.Source.Decode(&head); err != nil {
		return err
	}

	var src DataSource
	var err error
	switch head.Kind {
	case SourceFTP:
		v := FTPSource{Port: 22, Path: "/", SFTP: true}
		err = raw.Source.Decode(&v)
		src = v
	case SourceAPI:
		v := APISource{AuthType: APIAuthNone}
		err = raw.Source.Decode(&v)
		src = v
	case SourceFileUpload:
		v := FileUploadSource{AllowedExtensions: []string{"csv", "xlsx", "xls"}, HasHeader: true, Delimiter: ",", Encoding: "utf-8"}
		err = raw.Source.Decode(&v)
		src = v
	case SourceEDI:
		v := EDISource{}
		err = raw.Source.Decode(&v)
		src = v
	default:
		return eris.Errorf("supplier %s: unknown source kind %q", raw.ID, head.Kind)
	}
	if err != nil {
		return eris.Wrapf(err, "supplier %s: decode %s source", raw.ID, head.Kind)
	}
	s.Source = src
	return nil
}

// Validate checks required supplier fields and its source.
func (s *Supplier) Validate() error {
	if s.ID == "" {
		return eris.New("supplier: id is required")
	}
	if s.Name == "" {
		return eris.Errorf("supplier %s: name is required", s.ID)
	}
	switch s.Status {
	case OnboardingPending, OnboardingInProgress, OnboardingActive, OnboardingInactive:
	default:
		return eris.Errorf("supplier %s: invalid status %q", s.ID, s.Status)
	}
	if s.Source != nil {
		if err := s.Source.Validate(); err != nil {
			return eris.Wrapf(err, "supplier %s", s.ID)
		}
	}
	return nil
}
