package bytecode

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// yamlFile is the on-disk layout of a method bundle.
type yamlFile struct {
	Classes []yamlClass  `yaml:"classes"`
	Methods []yamlMethod `yaml:"methods"`
}

type yamlClass struct {
	Name       string      `yaml:"name"`
	Super      string      `yaml:"super"`
	Interfaces []string    `yaml:"interfaces"`
	Fields     []yamlField `yaml:"fields"`
}

type yamlField struct {
	Name string `yaml:"name"`
	Desc string `yaml:"desc"`
}

type yamlMethod struct {
	Class      string          `yaml:"class"`
	Name       string          `yaml:"name"`
	Desc       string          `yaml:"desc"`
	Static     bool            `yaml:"static"`
	Locals     int             `yaml:"locals"`
	Code       string          `yaml:"code"`
	Exceptions []yamlException `yaml:"exceptions"`
}

type yamlException struct {
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
	Handler string `yaml:"handler"`
	Catch   string `yaml:"catch"`
	Finally bool   `yaml:"finally"`
}

// LoadYAMLFile reads a method bundle from path.
func LoadYAMLFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := LoadYAML(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return prog, nil
}

// LoadYAML decodes a method bundle. Method bodies use the text assembler
// syntax accepted by ParseText; exception entries name labels of the body.
func LoadYAML(data []byte) (*Program, error) {
	var f yamlFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decode method bundle")
	}
	var sb strings.Builder
	for _, c := range f.Classes {
		if c.Name == "" {
			return nil, errors.New("class without a name")
		}
		fmt.Fprintf(&sb, ".class %s", c.Name)
		if c.Super != "" {
			fmt.Fprintf(&sb, " extends %s", c.Super)
		}
		if len(c.Interfaces) > 0 {
			fmt.Fprintf(&sb, " implements %s", strings.Join(c.Interfaces, " "))
		}
		sb.WriteByte('\n')
		for _, fld := range c.Fields {
			fmt.Fprintf(&sb, ".field %s %s\n", fld.Name, fld.Desc)
		}
	}
	for _, m := range f.Methods {
		if m.Class == "" || m.Name == "" || m.Desc == "" {
			return nil, errors.Errorf("method %q needs class, name and desc", m.Name)
		}
		sb.WriteString(".method ")
		if m.Static {
			sb.WriteString("static ")
		}
		fmt.Fprintf(&sb, "%s.%s %s\n", m.Class, m.Name, m.Desc)
		if m.Locals > 0 {
			fmt.Fprintf(&sb, ".locals %d\n", m.Locals)
		}
		sb.WriteString(m.Code)
		if !strings.HasSuffix(m.Code, "\n") {
			sb.WriteByte('\n')
		}
		for _, e := range m.Exceptions {
			if e.Finally {
				fmt.Fprintf(&sb, ".finally %s %s %s\n", e.Start, e.End, e.Handler)
				continue
			}
			catch := e.Catch
			if catch == "" {
				catch = "any"
			}
			fmt.Fprintf(&sb, ".try %s %s %s %s\n", e.Start, e.End, e.Handler, catch)
		}
		sb.WriteString(".end\n")
	}
	return ParseText(sb.String())
}
