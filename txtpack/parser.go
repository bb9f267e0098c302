// Package txtpack reads the small key/value text format grabproto uses for its
// configuration:
//
//	# comment
//	main_library: "VintagestoryLib.dll"
//	search_path: "/opt/vintagestory"
//	search_path: "/srv/vintagestory"
//	model { contract_attribute: "ProtoBuf.ProtoContractAttribute" }
package txtpack

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/alecthomas/participle"
	"github.com/alecthomas/participle/lexer"
	"github.com/alecthomas/participle/lexer/ebnf"
	"github.com/pkg/errors"
	"github.com/serenize/snaker"
)

type Object struct {
	Entries []Entry `@@*`
}

// Get returns every entry with the given name, in file order.
func (o Object) Get(name string) []Entry {
	var ret []Entry
	for _, e := range o.Entries {
		if e.Name == name {
			ret = append(ret, e)
		}
	}
	return ret
}

type Boolean bool

func (b *Boolean) Capture(values []string) error {
	switch values[0] {
	case "true":
		*b = true
	case "false":
		*b = false
	default:
		return errors.Errorf("unexpected value for bool '%v'", values[0])
	}
	return nil
}

type Entry struct {
	Name   string   `@Ident`
	Int    *int     `( ":" @Int`
	Float  *float64 `| ":" @Float`
	Str    *string  `| ":" @String`
	Bool   *Boolean `| ":" @("true" | "false")`
	Ident  *string  `| ":" @Ident`
	Object *Object  `| "{" @@ "}" )`
}

func (e Entry) String() string {
	switch {
	case e.Bool != nil:
		return fmt.Sprintf("<%v(bool): %v>", e.Name, *e.Bool)
	case e.Int != nil:
		return fmt.Sprintf("<%v(int): %v>", e.Name, *e.Int)
	case e.Float != nil:
		return fmt.Sprintf("<%v(float): %v>", e.Name, *e.Float)
	case e.Str != nil:
		return fmt.Sprintf("<%v(str): %v>", e.Name, *e.Str)
	case e.Ident != nil:
		return fmt.Sprintf("<%v(ident): %v>", e.Name, *e.Ident)
	case e.Object != nil:
		return fmt.Sprintf("<%v: %v>", e.Name, *e.Object)
	default:
		return fmt.Sprintf("<%v: <unknown type>>", e.Name)
	}
}

var (
	// Line breaks carry no meaning, a whole object fits on a single line.
	lex = lexer.Must(ebnf.New(`
		Comment = "#" { "\u0000"…"\uffff"-"\n" } .
		String = "\"" { "\u0000"…"\uffff"-"\""-"\\" | "\\" any } "\"" .
		Ident = (alpha | "_") { "_" | "." | alpha | digit } .
		Float = [ "-" | "+" ] decimals "." [decimals] [exponent]
				| [ "-" | "+" ] "." decimals [exponent] .
		Int = [ "-" | "+" ] decimals .
		Punct = "{" | ":" | "}" .
		Whitespace = " " | "\t" | "\n" | "\r" .

		alpha = "a"…"z" | "A"…"Z" .
		digit = "0"…"9" .
		decimals = digit { digit } .
		exponent  = ( "e" | "E" ) [ "+" | "-" ] decimals .
		any = "\u0000"…"\uffff" .
	`))
	parser = participle.MustBuild(
		&Object{},
		participle.Lexer(lex),
		participle.Elide("Whitespace", "Comment"),
		participle.Map(func(token lexer.Token) (lexer.Token, error) {
			var err error
			token.Value, err = unescape(token.Value)
			return token, err
		}, "String"),
	)
)

// unescape unquotes a string literal. Paths on Windows are full of backslashes,
// so unknown escapes keep the backslash instead of failing.
func unescape(in string) (string, error) {
	if len(in) < 2 || in[0] != '"' || in[len(in)-1] != '"' {
		return "", errors.New("invalid string literal")
	}

	data := []byte(in[1 : len(in)-1])
	cur := 0

	for i := 0; i < len(data); i++ {
		val := data[i]
		if val == '\\' && i < len(data)-1 {
			next := data[i+1]
			switch next {
			case '\'', '"', '\\':
				val = next
				i++

			case 'n':
				val = '\n'
				i++

			case 'r':
				val = '\r'
				i++

			case 't':
				val = '\t'
				i++

			case '0', '1', '2', '3', '4', '5', '6', '7':
				// escaped byte, 3 octal digits
				if len(data)-i < 4 {
					return "", errors.New("invalid escaped value")
				}
				t, err := strconv.ParseUint(string(data[i+1:i+4]), 8, 8)
				if err != nil {
					return "", errors.New("invalid escaped value")
				}
				val = byte(t)
				i += 3
			}
		}
		data[cur] = val
		cur++
	}

	return string(data[:cur]), nil
}

func Parse(data []byte) (Object, error) {
	var ret Object
	err := parser.ParseBytes(data, &ret)
	return ret, err
}

// Unmarshal maps parsed entries onto a struct. snake_case keys select the
// CamelCase field of the same name, or a field tagged `txtpack:"key"`.
// Repeated keys append to slices.
func Unmarshal(data []byte, i interface{}) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}

	val := reflect.ValueOf(i)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return errors.Errorf("unsupported type %T, pointer to structure expected", i)
	}

	return mapObject(parsed, val.Elem(), "")
}

func fieldFor(val reflect.Value, name string) reflect.Value {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		if typ.Field(i).Tag.Get("txtpack") == name {
			return val.Field(i)
		}
	}
	return val.FieldByName(snaker.SnakeToCamel(name))
}

func mapObject(data Object, val reflect.Value, path string) error {
	for _, entry := range data.Entries {
		field := fieldFor(val, entry.Name)
		path := path + ":" + entry.Name
		if !field.IsValid() || !field.CanSet() {
			return errors.Errorf("%v: field not found", path)
		}

		err := mapEntry(entry, field, path)
		if err != nil {
			return err
		}
	}

	return nil
}

func mapEntry(entry Entry, val reflect.Value, path string) error {
	switch val.Kind() {
	case reflect.Bool:
		if entry.Bool == nil {
			return errors.Errorf("%v: incompatible type", path)
		}
		val.SetBool(bool(*entry.Bool))

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if entry.Int == nil {
			return errors.Errorf("%v: incompatible type", path)
		}
		if val.OverflowInt(int64(*entry.Int)) {
			return errors.Errorf("%v: %v overflows %v", path, *entry.Int, val.Type())
		}
		val.SetInt(int64(*entry.Int))

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if entry.Int == nil || *entry.Int < 0 {
			return errors.Errorf("%v: incompatible type", path)
		}
		if val.OverflowUint(uint64(*entry.Int)) {
			return errors.Errorf("%v: %v overflows %v", path, *entry.Int, val.Type())
		}
		val.SetUint(uint64(*entry.Int))

	case reflect.Float32, reflect.Float64:
		switch {
		case entry.Int != nil:
			val.SetFloat(float64(*entry.Int))
		case entry.Float != nil:
			val.SetFloat(*entry.Float)
		default:
			return errors.Errorf("%v: incompatible type", path)
		}

	case reflect.String:
		switch {
		case entry.Str != nil:
			val.SetString(*entry.Str)
		case entry.Ident != nil:
			val.SetString(*entry.Ident)
		default:
			return errors.Errorf("%v: incompatible type", path)
		}

	case reflect.Slice:
		sub := reflect.New(val.Type().Elem()).Elem()
		err := mapEntry(entry, sub, path)
		if err != nil {
			return err
		}
		val.Set(reflect.Append(val, sub))

	case reflect.Ptr:
		if val.IsNil() {
			val.Set(reflect.New(val.Type().Elem()))
		}
		return mapEntry(entry, val.Elem(), path)

	case reflect.Struct:
		if entry.Object == nil {
			return errors.Errorf("%v: incompatible type", path)
		}
		err := mapObject(*entry.Object, val, path)
		if err != nil {
			return err
		}

	default:
		return errors.Errorf("%v: unsupported type", path)
	}

	return nil
}
