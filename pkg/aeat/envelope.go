package aeat

import (
	"encoding/xml"
	"fmt"

	"github.com/veritax-labs/verifactu-core/pkg/hashchain"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

// Namespace URIs of the SOAP envelope and the AEAT body schema.
const (
	nsSoapEnv = "http://schemas.xmlsoap.org/soap/envelope/"
	nsSF      = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/SuministroInformacion.xsd"
)

type envelope struct {
	XMLName   xml.Name `xml:"soapenv:Envelope"`
	XmlnsSoap string   `xml:"xmlns:soapenv,attr"`
	XmlnsSF   string   `xml:"xmlns:sf,attr"`
	Header    struct{} `xml:"soapenv:Header"`
	Body      body     `xml:"soapenv:Body"`
}

type body struct {
	RegFactu *regFactu `xml:"sf:RegFactuSistemaFacturacion,omitempty"`
	Consulta *consulta `xml:"sf:ConsultaFactuSistemaFacturacion,omitempty"`
}

type regFactu struct {
	Cabecera cabecera  `xml:"sf:Cabecera"`
	Registro *registro `xml:"sf:RegistroFactura"`
}

type cabecera struct {
	Obligado obligado `xml:"sf:ObligadoEmision"`
}

type obligado struct {
	NombreRazon string `xml:"sf:NombreRazon"`
	NIF         string `xml:"sf:NIF"`
}

type registro struct {
	Alta      *registroAlta      `xml:"sf:RegistroAlta,omitempty"`
	Anulacion *registroAnulacion `xml:"sf:RegistroAnulacion,omitempty"`
}

type idFactura struct {
	IDEmisorFactura        string `xml:"sf:IDEmisorFactura"`
	NumSerieFactura        string `xml:"sf:NumSerieFactura"`
	FechaExpedicionFactura string `xml:"sf:FechaExpedicionFactura"`
}

type desglose struct {
	Detalle detalleDesglose `xml:"sf:DetalleDesglose"`
}

type detalleDesglose struct {
	Impuesto         string `xml:"sf:Impuesto"`
	ClaveRegimen     string `xml:"sf:ClaveRegimen"`
	TipoImpositivo   string `xml:"sf:TipoImpositivo"`
	BaseImponible    string `xml:"sf:BaseImponible"`
	CuotaRepercutida string `xml:"sf:CuotaRepercutida"`
}

type encadenamiento struct {
	PrimerRegistro   string            `xml:"sf:PrimerRegistro"`
	RegistroAnterior *registroAnterior `xml:"sf:RegistroAnterior,omitempty"`
}

type registroAnterior struct {
	Huella string `xml:"sf:Huella"`
}

type sistemaInformatico struct {
	NombreRazon              string `xml:"sf:NombreRazon"`
	NIF                      string `xml:"sf:NIF"`
	NombreSistemaInformatico string `xml:"sf:NombreSistemaInformatico"`
	IdSistemaInformatico     string `xml:"sf:IdSistemaInformatico"`
	Version                  string `xml:"sf:Version"`
	NumeroInstalacion        string `xml:"sf:NumeroInstalacion"`
}

type registroAlta struct {
	IDFactura            idFactura          `xml:"sf:IDFactura"`
	TipoFactura          string             `xml:"sf:TipoFactura"`
	DescripcionOperacion string             `xml:"sf:DescripcionOperacion"`
	ImporteTotal         string             `xml:"sf:ImporteTotal"`
	Desglose             desglose           `xml:"sf:Desglose"`
	CuotaTotal           string             `xml:"sf:CuotaTotal"`
	Encadenamiento       encadenamiento     `xml:"sf:Encadenamiento"`
	Sistema              sistemaInformatico `xml:"sf:SistemaInformatico"`
	FechaHoraHuso        string             `xml:"sf:FechaHoraHusoGenRegistro"`
	Huella               string             `xml:"sf:Huella"`
}

type registroAnulacion struct {
	IDFactura      idFactura          `xml:"sf:IDFactura"`
	Encadenamiento encadenamiento     `xml:"sf:Encadenamiento"`
	Sistema        sistemaInformatico `xml:"sf:SistemaInformatico"`
	FechaHoraHuso  string             `xml:"sf:FechaHoraHusoGenRegistro"`
	Huella         string             `xml:"sf:Huella"`
}

type consulta struct {
	Cabecera cabecera       `xml:"sf:Cabecera"`
	Filtro   consultaFiltro `xml:"sf:FiltroConsulta"`
}

type consultaFiltro struct {
	Ejercicio    int `xml:"sf:PeriodoImputacion>sf:Ejercicio"`
	NumRegistros int `xml:"sf:NumRegistros"`
}

// RenderRecord renders the submission envelope for a record.
func RenderRecord(rec *record.Record, cfg store.Configuration) (string, error) {
	if rec.RecordType == record.TypeCancellation {
		return RenderCancellation(rec, cfg)
	}
	return RenderRegistration(rec, cfg)
}

// RenderRegistration renders the RegistroAlta envelope.
func RenderRegistration(rec *record.Record, cfg store.Configuration) (string, error) {
	env := newEnvelope()
	env.Body.RegFactu = &regFactu{
		Cabecera: cabecera{Obligado: obligado{NombreRazon: rec.IssuerName, NIF: rec.IssuerNIF}},
		Registro: &registro{
			Alta: &registroAlta{
				IDFactura: idFactura{
					IDEmisorFactura:        rec.IssuerNIF,
					NumSerieFactura:        rec.InvoiceNumber,
					FechaExpedicionFactura: hashchain.FormatDate(rec.InvoiceDate),
				},
				TipoFactura:          string(rec.InvoiceType),
				DescripcionOperacion: description(rec),
				ImporteTotal:         rec.TotalAmount.String(),
				Desglose: desglose{Detalle: detalleDesglose{
					Impuesto:        "01", // IVA
					ClaveRegimen:    "01", // regimen general
					TipoImpositivo:  rec.TaxRate.String(),
					BaseImponible:   rec.BaseAmount.String(),
					CuotaRepercutida: rec.TaxAmount.String(),
				}},
				CuotaTotal:     rec.TaxAmount.String(),
				Encadenamiento: chainBlock(rec),
				Sistema:        systemBlock(cfg),
				FechaHoraHuso:  hashchain.FormatTimestamp(rec.GenerationTimestamp),
				Huella:         rec.RecordHash,
			},
		},
	}
	return marshal(env)
}

// RenderCancellation renders the RegistroAnulacion envelope. Cancellations
// carry no amounts; their chain block follows the record's first-record flag,
// as for registrations.
func RenderCancellation(rec *record.Record, cfg store.Configuration) (string, error) {
	env := newEnvelope()
	env.Body.RegFactu = &regFactu{
		Cabecera: cabecera{Obligado: obligado{NombreRazon: rec.IssuerName, NIF: rec.IssuerNIF}},
		Registro: &registro{
			Anulacion: &registroAnulacion{
				IDFactura: idFactura{
					IDEmisorFactura:        rec.IssuerNIF,
					NumSerieFactura:        rec.InvoiceNumber,
					FechaExpedicionFactura: hashchain.FormatDate(rec.InvoiceDate),
				},
				Encadenamiento: chainBlock(rec),
				Sistema:        systemBlock(cfg),
				FechaHoraHuso:  hashchain.FormatTimestamp(rec.GenerationTimestamp),
				Huella:         rec.RecordHash,
			},
		},
	}
	return marshal(env)
}

// RenderQuery renders the last-records query envelope.
func RenderQuery(issuerNIF, issuerName string, year, limit int) (string, error) {
	env := newEnvelope()
	env.Body.Consulta = &consulta{
		Cabecera: cabecera{Obligado: obligado{NombreRazon: issuerName, NIF: issuerNIF}},
		Filtro:   consultaFiltro{Ejercicio: year, NumRegistros: limit},
	}
	return marshal(env)
}

func newEnvelope() envelope {
	return envelope{XmlnsSoap: nsSoapEnv, XmlnsSF: nsSF}
}

func chainBlock(rec *record.Record) encadenamiento {
	if rec.IsFirstRecord {
		return encadenamiento{PrimerRegistro: "S"}
	}
	return encadenamiento{
		PrimerRegistro:   "N",
		RegistroAnterior: &registroAnterior{Huella: rec.PreviousHash},
	}
}

func systemBlock(cfg store.Configuration) sistemaInformatico {
	nif := cfg.SoftwareNIF
	if nif == "" {
		nif = "B00000000"
	}
	installation := cfg.InstallationNumber
	if installation == "" {
		installation = "1"
	}
	return sistemaInformatico{
		NombreRazon:             cfg.SoftwareName,
		NIF:                     nif,
		NombreSistemaInformatico: cfg.SoftwareName,
		IdSistemaInformatico:    cfg.SoftwareID,
		Version:                 cfg.SoftwareVersion,
		NumeroInstalacion:       installation,
	}
}

func description(rec *record.Record) string {
	if rec.Description != "" {
		return rec.Description
	}
	return "Factura"
}

func marshal(env envelope) (string, error) {
	out, err := xml.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render envelope: %w", err)
	}
	return xml.Header + string(out), nil
}
