package tds

import (
	"fmt"

	"github.com/dbbouncer/mssqlcore/internal/secret"
	"github.com/dbbouncer/mssqlcore/internal/wire"
)

// PRELOGIN option tokens (spec.md §4.2). Each option is a 5-byte header
// (token, 2-byte offset, 2-byte length) in an option table, followed by the
// concatenated option payloads; 0xFF terminates the table.
const (
	preloginVersion  byte = 0x00
	preloginEncrypt  byte = 0x01
	preloginInstOpt  byte = 0x02
	preloginThreadID byte = 0x03
	preloginMARS     byte = 0x04
	preloginTerminator byte = 0xFF
)

// Encryption option values.
const (
	encryptOff     byte = 0x00
	encryptOn      byte = 0x01
	encryptNotSup  byte = 0x02
	encryptReq     byte = 0x03
)

func encodePrelogin(wantEncrypt bool) []byte {
	version := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	encryptVal := encryptOff
	if wantEncrypt {
		encryptVal = encryptOn
	}
	encrypt := []byte{encryptVal}
	threadID := []byte{0x00, 0x00, 0x00, 0x00}
	mars := []byte{0x00}

	type opt struct {
		token byte
		data  []byte
	}
	opts := []opt{
		{preloginVersion, version},
		{preloginEncrypt, encrypt},
		{preloginThreadID, threadID},
		{preloginMARS, mars},
	}
	headerSize := len(opts)*5 + 1
	payload := make([]byte, headerSize)
	offset := headerSize
	pos := 0
	for _, o := range opts {
		payload[pos] = o.token
		putUint16BE(payload[pos+1:], uint16(offset))
		putUint16BE(payload[pos+3:], uint16(len(o.data)))
		pos += 5
		payload = append(payload, o.data...)
		offset += len(o.data)
	}
	payload[pos] = preloginTerminator
	return payload
}

func decodePrelogin(msg []byte) (preloginResponse, error) {
	pos := 0
	var encryptOffset, encryptLen int
	for {
		if pos >= len(msg) {
			return preloginResponse{}, fmt.Errorf("tds: truncated PRELOGIN response option table")
		}
		token := msg[pos]
		if token == preloginTerminator {
			break
		}
		if pos+5 > len(msg) {
			return preloginResponse{}, fmt.Errorf("tds: truncated PRELOGIN option header")
		}
		off := int(msg[pos+1])<<8 | int(msg[pos+2])
		length := int(msg[pos+3])<<8 | int(msg[pos+4])
		if token == preloginEncrypt {
			encryptOffset, encryptLen = off, length
		}
		pos += 5
	}
	if encryptLen != 1 || encryptOffset+1 > len(msg) {
		return preloginResponse{}, nil
	}
	val := msg[encryptOffset]
	return preloginResponse{encrypt: val == encryptOn || val == encryptReq}, nil
}

func putUint16BE(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }

// encodeLogin7 builds the LOGIN7 payload. Azure AD / FedAuth tokens are
// carried as an opaque pre-acquired bearer token (spec.md §1 explicitly
// puts *acquiring* that token out of scope; this package only attaches one
// it's handed via secret.AzureSecret's resolved value).
func encodeLogin7(s secret.Secret, packetSize int) ([]byte, error) {
	const fixedHeaderLen = 94
	hostname := "mssqlcore"
	appName := "mssqlcore"
	serverName := s.Host
	clientVersion := uint32(0x74000004) // report TDS 7.4

	var variable []byte
	offsets := make(map[string]uint16)
	lengths := make(map[string]uint16)

	appendUTF16 := func(name, s string) {
		offsets[name] = uint16(fixedHeaderLen + len(variable))
		raw, err := wire.EncodeUTF16LERaw(s)
		if err != nil {
			raw = nil
		}
		lengths[name] = uint16(len(raw) / 2)
		variable = append(variable, raw...)
	}

	useFedAuth := s.UsesAzureAuth()
	username, password := s.User, s.Password
	if useFedAuth {
		username, password = "", ""
	}

	appendRaw := func(name string, raw []byte) {
		offsets[name] = uint16(fixedHeaderLen + len(variable))
		lengths[name] = uint16(len(raw) / 2)
		variable = append(variable, raw...)
	}

	appendUTF16("hostname", hostname)
	appendUTF16("username", username)
	appendRaw("password", obfuscatePassword(password))
	appendUTF16("appname", appName)
	appendUTF16("servername", serverName)
	appendUTF16("library", "mssqlcore")
	appendUTF16("language", "")
	appendUTF16("database", s.Database)

	totalLen := fixedHeaderLen + len(variable)
	if useFedAuth {
		totalLen += 4 // FEDAUTH extension length placeholder; the blob itself is attached by the caller via a separate FEDAUTHTOKEN packet per spec.md §4.2
	}

	out := make([]byte, fixedHeaderLen)
	putUint32LE(out[0:], uint32(totalLen))
	putUint32LE(out[4:], clientVersion)
	putUint32LE(out[8:], uint32(packetSize))
	putUint32LE(out[12:], 0) // client program version
	putUint32LE(out[16:], 0) // client PID
	putUint32LE(out[20:], 0) // connection ID

	var flags1 byte = 0x00
	var flags2 byte = 0x03 // USER_NORMAL | INTEGRATED_SECURITY off
	if useFedAuth {
		flags2 |= 0x80
	}
	out[24] = flags1
	out[25] = flags2
	out[26] = 0 // type flags
	out[27] = 0x10 // flags3: UNKNOWN_COLLATION_HANDLING
	putUint32LE(out[28:], 0) // client timezone
	putUint32LE(out[32:], 0) // client LCID

	writeVarField := func(base int, name string) {
		putUint16LE(out[base:], offsets[name])
		putUint16LE(out[base+2:], lengths[name])
	}
	writeVarField(36, "hostname")
	writeVarField(40, "username")
	writeVarField(44, "password")
	writeVarField(48, "appname")
	writeVarField(52, "servername")
	putUint16LE(out[56:], 0) // extension offset, unused (no FeatureExt block)
	putUint16LE(out[58:], 0)
	writeVarField(60, "library")
	putUint16LE(out[64:], 0) // client ID (6 bytes MAC address placeholder), zero-filled
	writeVarField(72, "language")
	writeVarField(76, "database")
	// SSPI / attach-db-file / change-password fields intentionally left zero: not supported.

	full := append(out, variable...)
	return full, nil
}

// obfuscatePassword UTF-16LE encodes pw, then applies the fixed TDS LOGIN7
// wire obfuscation (nibble-swap then XOR 0xA5 on each byte) — not a hash,
// just wire-level obfuscation (spec.md §4.2).
func obfuscatePassword(pw string) []byte {
	raw, err := wire.EncodeUTF16LERaw(pw)
	if err != nil {
		raw = nil
	}
	out := make([]byte, len(raw))
	for i, c := range raw {
		swapped := (c<<4)&0xF0 | (c>>4)&0x0F
		out[i] = swapped ^ 0xA5
	}
	return out
}
