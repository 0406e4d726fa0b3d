package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
)

// AppStatus is the App/GetAppState payload.
type AppStatus struct {
	AppState        string `json:"appState"`
	ConnectionState string `json:"connectionState"`
}

// TestStatusReport is the Results/GetTestStatus payload.
// Status has the form "Test:<case name>:<status>" while a submission runs.
type TestStatusReport struct {
	Status string `json:"Test Status"`
}

// MessageBox is the App/GetMessageBox payload describing the active dialog.
type MessageBox struct {
	Message              string          `json:"message"`
	Title                string          `json:"title"`
	PopID                int             `json:"popID"`
	Icon                 string          `json:"icon"`
	Button               string          `json:"button"`
	ShouldTextBoxBeAdded bool            `json:"shouldTextBoxBeAdded"`
	ComboBoxEntries      json.RawMessage `json:"comboBoxEntries,omitempty"`
	EnableCustomInputs   bool            `json:"enableCustomUserInputs"`
}

// Empty reports whether no dialog is displayed.
func (m MessageBox) Empty() bool {
	return strings.TrimSpace(m.Message) == ""
}

// WantsInput reports whether the dialog asks the operator for a value.
func (m MessageBox) WantsInput() bool {
	if m.ShouldTextBoxBeAdded || m.EnableCustomInputs {
		return true
	}
	entries := bytes.TrimSpace(m.ComboBoxEntries)
	return len(entries) > 0 && !bytes.Equal(entries, []byte(`""`)) &&
		!bytes.Equal(entries, []byte("null")) && !bytes.Equal(entries, []byte("[]"))
}

// MessageBoxResponse is the App/PutMessageBoxResponse request body.
type MessageBoxResponse struct {
	UserTextBoxInput        string            `json:"userTextBoxInput"`
	ResponseButton          string            `json:"responseButton"`
	ShouldTextBoxBeAdded    bool              `json:"shouldTextBoxBeAdded"`
	IsValid                 bool              `json:"isValid"`
	PopID                   int               `json:"popID"`
	DisplayPopUp            bool              `json:"displayPopUp"`
	IsDisplayPopUpOpen      bool              `json:"isDisplayPopUpOpen"`
	Title                   string            `json:"title"`
	Message                 string            `json:"message"`
	Button                  string            `json:"button"`
	Image                   string            `json:"image"`
	Icon                    string            `json:"icon"`
	IsFrontEndPopUp         bool              `json:"isFrontEndPopUp"`
	CallBackMethod          string            `json:"callBackMethod"`
	ComboBoxEntries         string            `json:"comboBoxEntries"`
	SelectedComboBoxValue   string            `json:"selectedComboBoxValue"`
	ComboBoxEntriesFE       []string          `json:"comboBoxEntriesFE"`
	SelectedComboBoxValueFE string            `json:"selectedComboBoxValueFE"`
	OnlyDropdownAdded       bool              `json:"onlyDropdownAdded"`
	EnableTimerOKButton     bool              `json:"enableTimerOKButton"`
	EnableCustomUserInputs  bool              `json:"enableCustomUserInputs"`
	CustomInputValues       map[string]string `json:"customInputValues"`
}

// defaultTitle is used when the dialog reports none.
const defaultTitle = "GRL Test Solution"

// OkResponse builds the canned acknowledgement that closes box with its Ok button.
func OkResponse(box MessageBox) MessageBoxResponse {
	title := box.Title
	if title == "" {
		title = defaultTitle
	}
	return MessageBoxResponse{
		ResponseButton:    "Ok",
		IsValid:           true,
		PopID:             box.PopID,
		Title:             title,
		Button:            "OK",
		Icon:              "Asterisk",
		ComboBoxEntriesFE: []string{},
		CustomInputValues: map[string]string{},
	}
}

// VersionKind selects one of the ConnectionSetup/Latest*Version endpoints.
type VersionKind string

const (
	FirmwareVersion     VersionKind = "Firmware"
	EloadVersion        VersionKind = "Eload"
	ShortFixtureVersion VersionKind = "ShortFixture"
)

// decodeText interprets a response that may be a JSON string, a JSON object
// carrying a version-like field, or plain text.
func decodeText(payload []byte) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		for _, key := range []string{"version", "Version", "softwareVersion", "value", "data"} {
			if v, ok := obj[key].(string); ok {
				return v
			}
		}
		compact := &bytes.Buffer{}
		if err := json.Compact(compact, trimmed); err == nil {
			return compact.String()
		}
	}
	return string(trimmed)
}
