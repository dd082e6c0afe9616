package wire

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedMessage reports a document that cannot be decoded: missing
// root, Data, Header or MessageDetails, or XML that does not parse.
var ErrMalformedMessage = errors.New("malformed message")

// CanonicalData renders the Data element of a message as canonical XML:
// no declaration, no indentation, no inserted whitespace. The returned
// bytes are the exact signing input; any whitespace difference would
// invalidate the signature.
//
// For known message types the MessageDetails children are emitted in the
// order given by FieldOrder, with absent fields emitted as empty elements
// so positional parsers on the counterpart side see a stable shape. For
// unknown types the received order is reproduced verbatim.
func CanonicalData(m *Message) []byte {
	var b bytes.Buffer
	b.WriteString("<Data><Header>")
	writeElement(&b, "Sender", m.Header.Sender)
	writeElement(&b, "Receiver", m.Header.Receiver)
	writeElement(&b, "FSPCode", m.Header.FSPCode)
	writeElement(&b, "MsgId", m.Header.MsgID)
	writeElement(&b, "MessageType", m.Header.MessageType)
	b.WriteString("</Header><MessageDetails>")

	order, known := FieldOrder(m.Header.MessageType)
	if known && !m.Unknown {
		for _, name := range order {
			writeElement(&b, name, m.Get(name))
		}
	} else {
		for _, f := range m.Details {
			writeElement(&b, f.Name, f.Value)
		}
	}
	b.WriteString("</MessageDetails></Data>")
	return b.Bytes()
}

// EncodeDocument renders the full signed envelope.
func EncodeDocument(m *Message, signatureB64 string) []byte {
	var b bytes.Buffer
	b.WriteString("<Document>")
	b.Write(CanonicalData(m))
	writeElement(&b, "Signature", signatureB64)
	b.WriteString("</Document>")
	return b.Bytes()
}

func writeElement(b *bytes.Buffer, name, value string) {
	b.WriteByte('<')
	b.WriteString(name)
	b.WriteByte('>')
	_ = xml.EscapeText(b, []byte(value))
	b.WriteString("</")
	b.WriteString(name)
	b.WriteByte('>')
}

// DecodeDocument parses a wire Document into a structured message and its
// base64 signature. Element order inside MessageDetails is preserved as
// received. A missing Document, Data, Header or MessageDetails yields
// ErrMalformedMessage; an unrecognized MessageType is not an error and is
// flagged on the returned message instead.
func DecodeDocument(raw []byte) (*Message, string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))

	root, err := nextStartElement(dec)
	if err != nil {
		return nil, "", fmt.Errorf("%w: no root element", ErrMalformedMessage)
	}
	if root.Name.Local != "Document" {
		return nil, "", fmt.Errorf("%w: unexpected root %q", ErrMalformedMessage, root.Name.Local)
	}

	msg := &Message{}
	signature := ""
	sawData := false
	sawHeader := false
	sawDetails := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "Data":
			sawData = true
			h, details, hasHeader, hasDetails, err := decodeData(dec)
			if err != nil {
				return nil, "", err
			}
			msg.Header = h
			msg.Details = details
			sawHeader = hasHeader
			sawDetails = hasDetails
		case "Signature":
			v, err := elementText(dec, &start)
			if err != nil {
				return nil, "", err
			}
			signature = strings.TrimSpace(v)
		default:
			if err := dec.Skip(); err != nil {
				return nil, "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
		}
	}

	if !sawData {
		return nil, "", fmt.Errorf("%w: missing Data", ErrMalformedMessage)
	}
	if !sawHeader {
		return nil, "", fmt.Errorf("%w: missing Header", ErrMalformedMessage)
	}
	if !sawDetails {
		return nil, "", fmt.Errorf("%w: missing MessageDetails", ErrMalformedMessage)
	}
	if _, known := FieldOrder(msg.Header.MessageType); !known {
		msg.Unknown = true
	}
	return msg, signature, nil
}

// SignedRegion returns the exact byte span of the document's Data
// element, from the opening `<Data` to the end of `</Data>`. The sender
// signed these bytes verbatim, so verification must run over them as
// received, not over a re-serialization of the parsed message — a
// re-serialization would erase byte-level differences (reordered or
// duplicated elements, whitespace) that the signature is meant to catch.
func SignedRegion(raw []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: no Data element", ErrMalformedMessage)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 && t.Name.Local == "Data" {
				// InputOffset is just past the start tag; the tag's own
				// '<' is the last one before it.
				tagEnd := dec.InputOffset()
				start := bytes.LastIndexByte(raw[:tagEnd], '<')
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
				}
				return raw[start:dec.InputOffset()], nil
			}
		case xml.EndElement:
			depth--
		}
	}
}

func decodeData(dec *xml.Decoder) (Header, []Field, bool, bool, error) {
	var h Header
	var details []Field
	sawHeader := false
	sawDetails := false

	for {
		tok, err := dec.Token()
		if err != nil {
			return h, nil, false, false, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Header":
				sawHeader = true
				if err := decodeHeader(dec, &h); err != nil {
					return h, nil, false, false, err
				}
			case "MessageDetails":
				sawDetails = true
				fields, err := decodeFields(dec)
				if err != nil {
					return h, nil, false, false, err
				}
				details = fields
			default:
				if err := dec.Skip(); err != nil {
					return h, nil, false, false, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "Data" {
				return h, details, sawHeader, sawDetails, nil
			}
		}
	}
}

func decodeHeader(dec *xml.Decoder, h *Header) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := elementText(dec, &t)
			if err != nil {
				return err
			}
			switch t.Name.Local {
			case "Sender":
				h.Sender = v
			case "Receiver":
				h.Receiver = v
			case "FSPCode":
				h.FSPCode = v
			case "MsgId":
				h.MsgID = v
			case "MessageType":
				h.MessageType = v
			}
		case xml.EndElement:
			if t.Name.Local == "Header" {
				return nil
			}
		}
	}
}

func decodeFields(dec *xml.Decoder) ([]Field, error) {
	var fields []Field
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := elementText(dec, &t)
			if err != nil {
				return nil, err
			}
			fields = append(fields, Field{Name: t.Name.Local, Value: v})
		case xml.EndElement:
			if t.Name.Local == "MessageDetails" {
				return fields, nil
			}
		}
	}
}

// elementText consumes a simple element's character data up to its end tag.
func elementText(dec *xml.Decoder, start *xml.StartElement) (string, error) {
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return b.String(), nil
			}
		case xml.StartElement:
			// Nested markup inside a leaf element is not part of any
			// supported schema.
			return "", fmt.Errorf("%w: nested element %q inside %q", ErrMalformedMessage, t.Name.Local, start.Name.Local)
		}
	}
}

func nextStartElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

// NewResponse builds the synchronous acknowledgment message for an inbound
// document.
func NewResponse(sender, receiver, fspCode, msgID, code, description string) *Message {
	return &Message{
		Header: Header{
			Sender:      sender,
			Receiver:    receiver,
			FSPCode:     fspCode,
			MsgID:       msgID,
			MessageType: TypeResponse,
		},
		Details: []Field{
			{Name: "ResponseCode", Value: code},
			{Name: "Description", Value: description},
		},
	}
}
