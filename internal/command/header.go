package command

import (
	"fmt"
	"io"
	"strings"
	"text/template"
)

type headerConst struct {
	Name  string
	Value byte
}

type headerArray struct {
	Name  string
	Bytes string
	Len   int
}

var headerTmpl = template.Must(template.New("mcu_const.h").Parse(`/**
 * ! Generated by motorlink, do not edit !
 */
#ifndef MCU_CONST_H
#define MCU_CONST_H

#include <stdint.h>

{{range .Consts}}#define {{.Name}} 0x{{printf "%02X" .Value}}
{{end}}
{{range .Arrays}}#define {{.Name}} ((uint8_t[]){ {{- .Bytes -}} })
#define {{.Name}}_LEN {{.Len}}
{{end}}
#endif
`))

// Header writes the command table as a C header for the firmware build.
func Header(w io.Writer) error {
	consts := []headerConst{
		{"CMD_CODE_DATA_TRANSFER", ClassDataTransfer},
		{"CMD_CODE_VEHICLE_CONTROL", ClassVehicleControl},
		{"CMD_CODE_LOOP_STOP", ModeStop},
		{"CMD_CODE_ONLY_ONCE", ModeOnce},
		{"CMD_CODE_LOOP_START", ModeStart},
		{"CMD_CODE_MOTOR_LEFT", MotorLeft},
		{"CMD_CODE_MOTOR_RIGHT", MotorRight},
		{"CMD_CODE_SPEED", QuantitySpeed},
		{"CMD_CODE_ADC", QuantityADC},
	}

	var arrays []headerArray
	for _, s := range Stores() {
		arrays = append(arrays, headerArray{Name: "CMD_" + s.Name, Bytes: hexList(s.Prefix()), Len: len(s.Prefix())})
	}
	for _, d := range List() {
		arrays = append(arrays, headerArray{Name: "CMD_" + d.Name, Bytes: hexList(d.Bytes()), Len: len(d.Bytes())})
	}

	return headerTmpl.Execute(w, struct {
		Consts []headerConst
		Arrays []headerArray
	}{consts, arrays})
}

func hexList(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("0x%02X", v)
	}
	return strings.Join(parts, ", ")
}
