// Package protocol defines the viewer wire protocol: tagged JSON messages in
// both directions, plus the close codes used when a connection is rejected.
// The continuous-capture strategy additionally sends raw encoded byte chunks
// as binary frames with no envelope.
package protocol

import "encoding/json"

// Inbound message types (viewer to server).
const (
	TypeTouchDown      = "touch_down"
	TypeTouchMove      = "touch_move"
	TypeTouchUp        = "touch_up"
	TypeTap            = "tap"
	TypeSwipe          = "swipe"
	TypeKeyEvent       = "keyevent"
	TypeText           = "text"
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"
	TypeGetClipboard   = "get_clipboard"
	TypeSetClipboard   = "set_clipboard"
	TypeStartLogs      = "start_logs"
	TypeStopLogs       = "stop_logs"
	TypeUploadFile     = "upload_file"
	TypeInstallApp     = "install_app"
	TypeSetLocation    = "set_location"
	TypeGetDeviceInfo  = "get_device_info"
)

// Outbound message types (server to viewer).
const (
	TypeInfo         = "info"
	TypeFrame        = "frame"
	TypeLog          = "log"
	TypeError        = "error"
	TypeDeviceInfo   = "device_info"
	TypeFileUploaded = "file_uploaded"
	TypeAppInstalled = "app_installed"
	TypeLocationSet  = "location_set"
	TypeClipboard    = "clipboard"
	TypeRecording    = "recording"
)

// WebSocket close codes. 4xxx is the application range.
const (
	CloseMissingDevice     = 4400 // no device identifier supplied
	CloseDeviceUnreachable = 4404 // device not found on any platform
	CloseCaptureFailed     = 4500 // session-fatal capture failure
)

// Inbound is a viewer command. Fields are populated per message type;
// unused fields are left at their zero value.
type Inbound struct {
	Type      string   `json:"type"`
	X         int      `json:"x"`
	Y         int      `json:"y"`
	X1        int      `json:"x1"`
	Y1        int      `json:"y1"`
	X2        int      `json:"x2"`
	Y2        int      `json:"y2"`
	Duration  int      `json:"duration"` // milliseconds
	Keycode   int      `json:"keycode"`
	Text      string   `json:"text"`
	Filename  string   `json:"filename"`
	Data      string   `json:"data"` // base64 payload for upload_file
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// Outbound is a server-to-viewer message. Constructors below set the fields
// relevant for each type.
type Outbound struct {
	Type      string  `json:"type"`
	DeviceID  string  `json:"deviceId,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	Platform  string  `json:"platform,omitempty"`
	Format    string  `json:"format,omitempty"`
	Data      any     `json:"data,omitempty"`
	Message   string  `json:"message,omitempty"`
	Filename  string  `json:"filename,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Text      string  `json:"text,omitempty"`
	ID        string  `json:"id,omitempty"`
	Path      string  `json:"path,omitempty"`
}

// Encode marshals an outbound message to its wire form.
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// Info is the first message a viewer receives after attach.
func Info(deviceID string, width, height int, platform string) Outbound {
	return Outbound{
		Type:     TypeInfo,
		DeviceID: deviceID,
		Width:    width,
		Height:   height,
		Platform: platform,
	}
}

// Frame carries one complete still-capture image, base64 encoded.
func Frame(format, data string) Outbound {
	return Outbound{Type: TypeFrame, Format: format, Data: data}
}

// Log carries one device log line.
func Log(line string) Outbound {
	return Outbound{Type: TypeLog, Data: line}
}

// Error reports a failure to the viewer.
func Error(message string) Outbound {
	return Outbound{Type: TypeError, Message: message}
}

// DeviceInfo carries a metrics snapshot.
func DeviceInfo(data any) Outbound {
	return Outbound{Type: TypeDeviceInfo, Data: data}
}

// FileUploaded confirms a completed file push.
func FileUploaded(filename string) Outbound {
	return Outbound{Type: TypeFileUploaded, Filename: filename}
}

// AppInstalled confirms a completed package install.
func AppInstalled(filename string) Outbound {
	return Outbound{Type: TypeAppInstalled, Filename: filename}
}

// LocationSet confirms a mock location update.
func LocationSet(lat, lon float64) Outbound {
	return Outbound{Type: TypeLocationSet, Latitude: lat, Longitude: lon}
}

// Clipboard carries device clipboard contents.
func Clipboard(text string) Outbound {
	return Outbound{Type: TypeClipboard, Text: text}
}

// Recording announces a finished recording artifact.
func Recording(id, path string) Outbound {
	return Outbound{Type: TypeRecording, ID: id, Path: path}
}
