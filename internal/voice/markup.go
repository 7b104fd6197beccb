// ABOUTME: Call-control markup builders for the telephony provider
// ABOUTME: Every voice response is well-formed XML; helpers cover decline, error and connect

package voice

import "encoding/xml"

// Response is the root call-control document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     []Say    `xml:"Say,omitempty"`
	Connect *Connect `xml:"Connect,omitempty"`
	Hangup  *Hangup  `xml:"Hangup,omitempty"`
}

// Say speaks text to the caller.
type Say struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

// Hangup ends the call.
type Hangup struct{}

// Connect opens a bidirectional media connection.
type Connect struct {
	Stream *Stream `xml:"Stream"`
}

// Stream points the provider at the websocket audio endpoint, with
// parameters the audio handler binds from without a second lookup.
type Stream struct {
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

// Parameter is one key/value passed to the stream handler at connect time.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func render(r *Response) string {
	out, err := xml.Marshal(r)
	if err != nil {
		// Marshalling a struct of strings cannot fail; keep the call from
		// hanging open if it somehow does.
		return xml.Header + "<Response><Hangup/></Response>"
	}
	return xml.Header + string(out)
}

// DeclineMarkup speaks an audible decline and hangs up.
func DeclineMarkup(message string) string {
	return render(&Response{
		Say:    []Say{{Text: message}},
		Hangup: &Hangup{},
	})
}

// ErrorMarkup apologizes for an internal failure and hangs up.
func ErrorMarkup() string {
	return render(&Response{
		Say:    []Say{{Text: "We are sorry, an application error has occurred. Please try again later."}},
		Hangup: &Hangup{},
	})
}

// ConnectMarkup directs the provider to open the audio stream with the
// session, call and chatbot identifiers embedded as parameters.
func ConnectMarkup(streamURL, sessionID, callID, chatbotID string) string {
	return render(&Response{
		Connect: &Connect{
			Stream: &Stream{
				URL: streamURL,
				Parameters: []Parameter{
					{Name: "session_id", Value: sessionID},
					{Name: "call_id", Value: callID},
					{Name: "chatbot_id", Value: chatbotID},
				},
			},
		},
	})
}
