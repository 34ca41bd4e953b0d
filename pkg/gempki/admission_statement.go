package gempki

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

/*
AdmissionSyntax ::= SEQUENCE

	{
	  admissionAuthority GeneralName OPTIONAL,
	  contentsOfAdmissions SEQUENCE OF Admissions
	}

Admissions ::= SEQUENCE

	{
	  admissionAuthority [0] EXPLICIT GeneralName OPTIONAL
	  namingAuthority [1] EXPLICIT NamingAuthority OPTIONAL
	  professionInfos SEQUENCE OF ProfessionInfo
	}

ProfessionInfo ::= SEQUENCE

	{
	  namingAuthority [0] EXPLICIT NamingAuthority OPTIONAL,
	  professionItems SEQUENCE OF DirectoryString (SIZE(1..128)),
	  professionOIDs SEQUENCE OF OBJECT IDENTIFIER OPTIONAL,
	  registrationNumber PrintableString(SIZE(1..128)) OPTIONAL,
	  addProfessionInfo OCTET STRING OPTIONAL
	}
*/
type AdmissionStatement struct {
	ProfessionItems    []string `json:"professionItems"`
	ProfessionOids     []string `json:"professionOids"`
	RegistrationNumber string   `json:"registrationNumber"`
}

// HasRole reports whether oid is one of the profession OIDs.
func (a *AdmissionStatement) HasRole(oid string) bool {
	return slices.Contains(a.ProfessionOids, oid)
}

var OIDAdmissionStatement = asn1.ObjectIdentifier{1, 3, 36, 8, 3, 3}

// OIDEpaVau is the profession OID of an ePA VAU (oid_epa_vau).
const OIDEpaVau = "1.2.276.0.76.4.209"

type admissions struct {
	AdmissionAuthority asn1.RawValue    `asn1:"tag:0,optional"`
	NamingAuthority    asn1.RawValue    `asn1:"tag:1,optional"`
	ProfessionInfos    []professionInfo `asn1:"sequence"`
}

type professionInfo struct {
	NamingAuthority    asn1.RawValue           `asn1:"tag:0,optional,explicit"`
	ProfessionItems    []string                `asn1:"sequence"`
	ProfessionOids     []asn1.ObjectIdentifier `asn1:"optional,sequence"`
	RegistrationNumber string                  `asn1:"printable,optional"`
	AddProfessionInfo  []byte                  `asn1:"optional"`
}

func ParseAdmissionStatement(cert *x509.Certificate) (*AdmissionStatement, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDAdmissionStatement) {
			contents, err := parseAdmissionSyntax(ext.Value)
			if err != nil {
				return nil, err
			}
			return convertAdmissions(contents)
		}
	}
	return nil, fmt.Errorf("admission statement extension not found")
}

func readSeq(b []byte) ([]asn1.RawValue, error) {
	var elems []asn1.RawValue
	rest := b
	for len(rest) > 0 {
		var v asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &v); err != nil {
			return nil, err
		}
		elems = append(elems, v)
	}
	return elems, nil
}

// parseAdmissionSyntax skips the optional admissionAuthority and returns contentsOfAdmissions.
func parseAdmissionSyntax(data []byte) ([]admissions, error) {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal admission statement: %w", err)
	}
	seq, err := readSeq(raw.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}

	var contentsBytes []byte
	switch len(seq) {
	case 1:
		contentsBytes = seq[0].FullBytes
	case 2:
		contentsBytes = seq[1].FullBytes
	default:
		return nil, fmt.Errorf("unexpected number of elements in admission statement: %d", len(seq))
	}

	var contents []admissions
	if _, err := asn1.Unmarshal(contentsBytes, &contents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contentsOfAdmissions: %w", err)
	}
	return contents, nil
}

func convertAdmissions(contents []admissions) (*AdmissionStatement, error) {
	if len(contents) == 0 {
		return nil, fmt.Errorf("no contents of admissions found")
	}
	infos := contents[0].ProfessionInfos
	if len(infos) == 0 {
		return nil, fmt.Errorf("no profession infos found")
	}
	// take the first one
	info := infos[0]

	statement := &AdmissionStatement{
		ProfessionItems:    info.ProfessionItems,
		RegistrationNumber: info.RegistrationNumber,
	}
	for _, oid := range info.ProfessionOids {
		statement.ProfessionOids = append(statement.ProfessionOids, oid.String())
	}
	return statement, nil
}

type marshalProfessionInfo struct {
	ProfessionItems    []string                `asn1:"sequence"`
	ProfessionOids     []asn1.ObjectIdentifier `asn1:"sequence"`
	RegistrationNumber string                  `asn1:"printable,optional,omitempty"`
}

type marshalAdmissions struct {
	ProfessionInfos []marshalProfessionInfo `asn1:"sequence"`
}

type marshalAdmissionSyntax struct {
	ContentsOfAdmissions []marshalAdmissions `asn1:"sequence"`
}

// MarshalAdmissionStatement encodes statement as certificate extension with a
// single Admissions and ProfessionInfo entry.
func MarshalAdmissionStatement(statement *AdmissionStatement) (pkix.Extension, error) {
	info := marshalProfessionInfo{
		ProfessionItems:    statement.ProfessionItems,
		RegistrationNumber: statement.RegistrationNumber,
	}
	for _, s := range statement.ProfessionOids {
		oid, err := parseOID(s)
		if err != nil {
			return pkix.Extension{}, err
		}
		info.ProfessionOids = append(info.ProfessionOids, oid)
	}
	value, err := asn1.Marshal(marshalAdmissionSyntax{
		ContentsOfAdmissions: []marshalAdmissions{{ProfessionInfos: []marshalProfessionInfo{info}}},
	})
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("failed to marshal admission statement: %w", err)
	}
	return pkix.Extension{Id: OIDAdmissionStatement, Value: value}, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid OID %q", s)
		}
		oid[i] = n
	}
	return oid, nil
}
