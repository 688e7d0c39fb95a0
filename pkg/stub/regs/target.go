package regs

import (
	"encoding/xml"
	"strconv"
)

// The schema of target.xml is described by:
//  https://github.com/bminor/binutils-gdb/blob/61baf725eca99af2569262d10aca03dcde2698f6/gdb/features/gdb-target.dtd

type targetXML struct {
	XMLName      xml.Name   `xml:"target"`
	Version      string     `xml:"version,attr"`
	Architecture string     `xml:"architecture"`
	Feature      featureXML `xml:"feature"`
}

type featureXML struct {
	Name      string   `xml:"name,attr"`
	Registers []regXML `xml:"reg"`
}

type regXML struct {
	Name    string `xml:"name,attr"`
	Bitsize int    `xml:"bitsize,attr"`
	Regnum  string `xml:"regnum,attr"`
	Type    string `xml:"type,attr,omitempty"`
	Group   string `xml:"group,attr,omitempty"`
}

const targetDoctype = `<?xml version="1.0"?>
<!DOCTYPE target SYSTEM "gdb-target.dtd">
`

// TargetDescription returns the target.xml document describing every
// register of t, so that the host does not need to know the register
// layout in advance.
func (t *Table) TargetDescription() []byte {
	tgt := targetXML{
		Version:      "1.0",
		Architecture: t.Arch,
		Feature:      featureXML{Name: t.Feature},
	}
	for i, d := range t.Regs {
		tgt.Feature.Registers = append(tgt.Feature.Registers, regXML{
			Name:    d.Name,
			Bitsize: d.Bitsize,
			Regnum:  strconv.Itoa(i),
			Type:    d.Type,
			Group:   d.Group,
		})
	}
	out, err := xml.MarshalIndent(&tgt, "", "  ")
	if err != nil {
		// only plain strings and integers are marshaled
		panic(err)
	}
	return append([]byte(targetDoctype), out...)
}
